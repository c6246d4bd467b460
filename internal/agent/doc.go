// Package agent 实现多轮对话循环：把用户消息交给大模型，按顺序执行模型请求的工具，
// 在需要人工确认或钱包签名时挂起会话，并在用户回应后从挂起处继续。
// 每一步都会写回会话存储，因此另一个进程也可以接着处理同一会话。
package agent
