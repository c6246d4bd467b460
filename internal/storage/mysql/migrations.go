package mysql

import (
	"cmp"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strings"
	"time"

	"OpenMCP-Bridge/deploy/migrations"
)

// archiveSchemaSource 是归档库表结构脚本的来源，测试中可替换为内存文件系统。
var archiveSchemaSource fs.FS = migrations.Files

const archiveSchemaTable = "archive_schema_versions"

// schemaStep 是一个归档库结构脚本，文件名前缀即版本号，例如 0001_session_archive.sql。
type schemaStep struct {
	Version    string
	File       string
	Statements []string
}

// migrateArchiveSchema 依次执行尚未登记的结构脚本。每个脚本连同版本登记在同一事务中提交。
func migrateArchiveSchema(ctx context.Context, db *sql.DB) error {
	create := `CREATE TABLE IF NOT EXISTS ` + archiveSchemaTable + ` (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        file VARCHAR(255) NOT NULL,
        applied_at BIGINT NOT NULL
)`
	if _, err := db.ExecContext(ctx, create); err != nil {
		return fmt.Errorf("创建归档版本表失败: %w", err)
	}

	done, err := appliedArchiveVersions(ctx, db)
	if err != nil {
		return err
	}
	steps, err := readSchemaSteps(archiveSchemaSource)
	if err != nil {
		return err
	}
	for _, step := range steps {
		if done[step.Version] {
			continue
		}
		if err := applySchemaStep(ctx, db, step); err != nil {
			return err
		}
	}
	return nil
}

func appliedArchiveVersions(ctx context.Context, db *sql.DB) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, `SELECT version FROM `+archiveSchemaTable)
	if err != nil {
		return nil, fmt.Errorf("读取归档版本失败: %w", err)
	}
	defer rows.Close()

	done := make(map[string]bool)
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("读取归档版本失败: %w", err)
		}
		done[version] = true
	}
	return done, rows.Err()
}

func applySchemaStep(ctx context.Context, db *sql.DB, step schemaStep) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("归档库结构升级 %s 无法开始: %w", step.File, err)
	}
	defer func() {
		if err == nil {
			return
		}
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			err = errors.Join(err, rbErr)
		}
	}()

	for i, stmt := range step.Statements {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("归档库结构升级 %s 第 %d 条语句失败: %w", step.File, i+1, err)
		}
	}
	insert := `INSERT INTO ` + archiveSchemaTable + ` (version, file, applied_at) VALUES (?, ?, ?)`
	if _, err = tx.ExecContext(ctx, insert, step.Version, step.File, time.Now().Unix()); err != nil {
		return fmt.Errorf("登记归档版本 %s 失败: %w", step.Version, err)
	}
	return tx.Commit()
}

// readSchemaSteps 读取根目录下的 .sql 文件并按版本排序，没有语句的文件被跳过。
func readSchemaSteps(fsys fs.FS) ([]schemaStep, error) {
	files, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("列出归档结构脚本失败: %w", err)
	}

	steps := make([]schemaStep, 0, len(files))
	for _, file := range files {
		body, err := fs.ReadFile(fsys, file)
		if err != nil {
			return nil, fmt.Errorf("读取归档结构脚本 %s 失败: %w", file, err)
		}
		stmts := sqlStatements(string(body))
		if len(stmts) == 0 {
			continue
		}
		steps = append(steps, schemaStep{Version: stepVersion(file), File: file, Statements: stmts})
	}
	slices.SortFunc(steps, func(a, b schemaStep) int {
		return cmp.Or(cmp.Compare(a.Version, b.Version), cmp.Compare(a.File, b.File))
	})
	return steps, nil
}

// sqlStatements 以分号切分脚本，并去掉整行的 -- 注释。脚本中不允许出现带分号的字符串常量。
func sqlStatements(script string) []string {
	var kept []string
	for _, line := range strings.Split(script, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		kept = append(kept, line)
	}

	var stmts []string
	for _, part := range strings.Split(strings.Join(kept, "\n"), ";") {
		if stmt := strings.TrimSpace(part); stmt != "" {
			stmts = append(stmts, stmt)
		}
	}
	return stmts
}

func stepVersion(file string) string {
	base := strings.TrimSuffix(path.Base(file), ".sql")
	version, _, _ := strings.Cut(base, "_")
	return version
}
