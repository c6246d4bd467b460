// Package api 通过 REST 接口暴露对话能力，供聊天传输层调用：
// 发送消息、回应挂起动作、查询与取消会话、查询历史归档。
package api
