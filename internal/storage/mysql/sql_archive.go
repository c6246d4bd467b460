package mysql

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"

	xerrors "OpenMCP-Bridge/internal/errors"
	"OpenMCP-Bridge/internal/session"
)

// mysqlDuplicateEntry 是唯一键冲突的错误号。
const mysqlDuplicateEntry = 1062

const archiveColumns = `session_id, user_id, thread_id, wallet_address, status, turn_count,
        input_tokens, output_tokens, cost_usd, transcript, created_at, updated_at, archived_at`

// SQLArchive 使用 MySQL 保存归档会话。
type SQLArchive struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLArchive 创建连接池，并按需执行内置迁移。
func NewSQLArchive(ctx context.Context, cfg Config) (*SQLArchive, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "初始化归档库失败")
	}
	if cfg.AutoMigrate {
		if err := migrateArchiveSchema(ctx, db); err != nil {
			db.Close()
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "执行归档库迁移失败")
		}
	}
	return newSQLArchiveWithDB(db), nil
}

func newSQLArchiveWithDB(db *sql.DB) *SQLArchive {
	return &SQLArchive{db: db, now: time.Now}
}

// Archive 写入会话快照，同一会话重复写入视为成功。
func (s *SQLArchive) Archive(ctx context.Context, sess *session.Session) error {
	record, err := NewArchivedSession(sess, s.now())
	if err != nil {
		return err
	}

	const stmt = `INSERT INTO session_archive (` + archiveColumns + `)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, stmt,
		record.SessionID,
		record.UserID,
		record.ThreadID,
		record.WalletAddress,
		string(record.Status),
		record.TurnCount,
		record.InputTokens,
		record.OutputTokens,
		record.CostUSD.StringFixed(6),
		string(record.Transcript),
		record.CreatedAt,
		record.UpdatedAt,
		record.ArchivedAt,
	)
	if err != nil {
		var mysqlErr *mysqldriver.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == mysqlDuplicateEntry {
			return nil
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入归档会话失败",
			xerrors.WithMetadata("session_id", record.SessionID))
	}
	return nil
}

// Get 查询指定会话 ID 的归档记录。
func (s *SQLArchive) Get(ctx context.Context, sessionID string) ([]ArchivedSession, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "会话 ID 不能为空")
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+archiveColumns+`
        FROM session_archive WHERE session_id = ? ORDER BY archived_at DESC`, sessionID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询归档会话失败")
	}
	return scanArchived(rows)
}

// ListByUser 查询用户最近的归档记录。
func (s *SQLArchive) ListByUser(ctx context.Context, userID string, limit int) ([]ArchivedSession, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+archiveColumns+`
        FROM session_archive WHERE user_id = ? ORDER BY archived_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询用户归档失败")
	}
	return scanArchived(rows)
}

// Close 关闭底层数据库连接。
func (s *SQLArchive) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func scanArchived(rows *sql.Rows) ([]ArchivedSession, error) {
	defer rows.Close()

	var records []ArchivedSession
	for rows.Next() {
		var (
			record     ArchivedSession
			status     string
			transcript []byte
		)
		if err := rows.Scan(
			&record.SessionID,
			&record.UserID,
			&record.ThreadID,
			&record.WalletAddress,
			&status,
			&record.TurnCount,
			&record.InputTokens,
			&record.OutputTokens,
			&record.CostUSD,
			&transcript,
			&record.CreatedAt,
			&record.UpdatedAt,
			&record.ArchivedAt,
		); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析归档记录失败")
		}
		record.Status = session.Status(status)
		record.Transcript = append([]byte(nil), transcript...)
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历归档记录失败")
	}
	return records, nil
}

var _ SessionArchive = (*SQLArchive)(nil)
