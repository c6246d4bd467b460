// Package mysql 归档进入终态的会话。会话存储只保留活跃会话且会过期，
// 归档库保存完整的对话记录、轮次与费用，供审计和离线分析使用。
// 包内同时提供内置 SQL 迁移的执行器。
package mysql
