package mysql

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	xerrors "OpenMCP-Bridge/internal/errors"
	"OpenMCP-Bridge/internal/session"
)

// maxMemoryRecords 是内存归档保留的最大记录数。
const maxMemoryRecords = 512

// ArchivedSession 是终态会话的归档记录。
type ArchivedSession struct {
	SessionID     string          `json:"session_id"`
	UserID        string          `json:"user_id"`
	ThreadID      string          `json:"thread_id,omitempty"`
	WalletAddress string          `json:"wallet_address,omitempty"`
	Status        session.Status  `json:"status"`
	TurnCount     int             `json:"turn_count"`
	InputTokens   int64           `json:"input_tokens"`
	OutputTokens  int64           `json:"output_tokens"`
	CostUSD       decimal.Decimal `json:"cost_usd"`
	Transcript    json.RawMessage `json:"transcript"`
	CreatedAt     int64           `json:"created_at"`
	UpdatedAt     int64           `json:"updated_at"`
	ArchivedAt    int64           `json:"archived_at"`
}

// Messages 解码归档的对话记录。
func (a ArchivedSession) Messages() ([]session.Message, error) {
	var messages []session.Message
	if len(a.Transcript) == 0 {
		return messages, nil
	}
	if err := json.Unmarshal(a.Transcript, &messages); err != nil {
		return nil, fmt.Errorf("解析对话记录失败: %w", err)
	}
	return messages, nil
}

// NewArchivedSession 由会话快照生成归档记录。
func NewArchivedSession(sess *session.Session, archivedAt time.Time) (ArchivedSession, error) {
	if sess == nil {
		return ArchivedSession{}, xerrors.New(xerrors.CodeInvalidArgument, "session 不能为空")
	}
	if strings.TrimSpace(sess.ID) == "" {
		return ArchivedSession{}, xerrors.New(xerrors.CodeInvalidArgument, "会话 ID 不能为空")
	}
	messages := sess.Messages
	if messages == nil {
		messages = []session.Message{}
	}
	transcript, err := json.Marshal(messages)
	if err != nil {
		return ArchivedSession{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码对话记录失败")
	}
	return ArchivedSession{
		SessionID:     sess.ID,
		UserID:        sess.UserID,
		ThreadID:      sess.ThreadID,
		WalletAddress: sess.WalletAddress,
		Status:        sess.Status,
		TurnCount:     sess.TurnCount,
		InputTokens:   sess.Cost.InputTokens,
		OutputTokens:  sess.Cost.OutputTokens,
		CostUSD:       decimal.NewFromFloat(sess.Cost.EstimatedCostUSD).Round(6),
		Transcript:    transcript,
		CreatedAt:     sess.CreatedAt,
		UpdatedAt:     sess.UpdatedAt,
		ArchivedAt:    archivedAt.UnixMilli(),
	}, nil
}

// SessionArchive 抽象终态会话的持久化接口。同一会话（ID 与创建时间相同）重复归档是幂等的。
type SessionArchive interface {
	Archive(ctx context.Context, sess *session.Session) error
	Get(ctx context.Context, sessionID string) ([]ArchivedSession, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]ArchivedSession, error)
	Close() error
}

// MemoryArchive 在内存中保存归档记录；指定数据目录时同时追加写入本地 JSON 行文件，
// 重启后从文件恢复，方便单机开发。
type MemoryArchive struct {
	mu       sync.RWMutex
	dataFile string
	records  []ArchivedSession
	now      func() time.Time
}

// NewMemoryArchive 创建内存归档。dataDir 为空时不落盘。
func NewMemoryArchive(dataDir string) (*MemoryArchive, error) {
	archive := &MemoryArchive{now: time.Now}
	if strings.TrimSpace(dataDir) == "" {
		return archive, nil
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	archive.dataFile = filepath.Join(dataDir, "session_archive.log")
	if err := archive.loadFromDisk(); err != nil {
		return nil, err
	}
	return archive, nil
}

// Archive 记录会话快照，最新记录排在最前。
func (m *MemoryArchive) Archive(_ context.Context, sess *session.Session) error {
	record, err := NewArchivedSession(sess, m.now())
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.records {
		if existing.SessionID == record.SessionID && existing.CreatedAt == record.CreatedAt {
			return nil
		}
	}

	if m.dataFile != "" {
		if err := m.appendToDisk(record); err != nil {
			return err
		}
	}

	m.records = append([]ArchivedSession{record}, m.records...)
	if len(m.records) > maxMemoryRecords {
		m.records = m.records[:maxMemoryRecords]
	}
	return nil
}

// Get 返回指定会话 ID 的全部归档记录，按归档时间倒序。
func (m *MemoryArchive) Get(_ context.Context, sessionID string) ([]ArchivedSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []ArchivedSession
	for _, record := range m.records {
		if record.SessionID == sessionID {
			out = append(out, record)
		}
	}
	return out, nil
}

// ListByUser 返回用户最近的归档记录。
func (m *MemoryArchive) ListByUser(_ context.Context, userID string, limit int) ([]ArchivedSession, error) {
	if limit <= 0 {
		limit = 20
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []ArchivedSession
	for _, record := range m.records {
		if record.UserID != userID {
			continue
		}
		out = append(out, record)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// Close 实现 SessionArchive。
func (m *MemoryArchive) Close() error { return nil }

func (m *MemoryArchive) appendToDisk(record ArchivedSession) error {
	file, err := os.OpenFile(m.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开归档日志失败")
	}
	defer file.Close()

	encoded, err := json.Marshal(record)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化归档记录失败")
	}
	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入归档日志失败")
	}
	return nil
}

func (m *MemoryArchive) loadFromDisk() error {
	file, err := os.OpenFile(m.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("读取归档日志失败: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	var restored []ArchivedSession
	for scanner.Scan() {
		var record ArchivedSession
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			continue
		}
		restored = append([]ArchivedSession{record}, restored...)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("解析归档日志失败: %w", err)
	}

	if len(restored) > maxMemoryRecords {
		restored = restored[:maxMemoryRecords]
	}
	m.records = restored
	return nil
}

var _ SessionArchive = (*MemoryArchive)(nil)
