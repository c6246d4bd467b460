// Package alerting 在会话因协作方故障失败时向运维渠道发送告警。
package alerting
