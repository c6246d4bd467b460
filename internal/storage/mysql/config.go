package mysql

import "time"

// Config 描述 MySQL 归档库的连接参数。
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	// AutoMigrate 为 true 时在启动阶段执行内置的 SQL 迁移。
	AutoMigrate bool
}
