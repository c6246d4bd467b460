package session

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	xerrors "OpenMCP-Bridge/internal/errors"
)

const (
	// DefaultTTL 是会话的不活跃过期时间。
	DefaultTTL = 30 * time.Minute
	// DefaultKeyPrefix 是会话在后端中的键前缀。
	DefaultKeyPrefix = "bridgeagent:session:"
)

// Store 在 Backend 之上实现会话状态机。每次修改都整体重写记录并刷新过期时间，
// 并发写入采用最后写入者胜出。
type Store struct {
	backend Backend
	ttl     time.Duration
	prefix  string
	now     func() time.Time
}

// StoreOption 定义 Store 的可选配置。
type StoreOption func(*Store)

// WithTTL 覆盖默认的过期时间。
func WithTTL(ttl time.Duration) StoreOption {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithKeyPrefix 覆盖默认的键前缀。
func WithKeyPrefix(prefix string) StoreOption {
	return func(s *Store) {
		if strings.TrimSpace(prefix) != "" {
			s.prefix = prefix
		}
	}
}

// WithStoreClock 替换时间来源。
func WithStoreClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore 创建会话存储。
func NewStore(backend Backend, opts ...StoreOption) *Store {
	s := &Store{
		backend: backend,
		ttl:     DefaultTTL,
		prefix:  DefaultKeyPrefix,
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// TTL 返回会话过期时间。
func (s *Store) TTL() time.Duration { return s.ttl }

func (s *Store) key(id string) string { return s.prefix + id }

func (s *Store) nowMillis() int64 { return s.now().UnixMilli() }

// Get 读取会话，不存在或已过期时返回 ErrNotFound。
func (s *Store) Get(ctx context.Context, id string) (*Session, error) {
	if strings.TrimSpace(id) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "session id is required")
	}
	raw, ok, err := s.backend.Get(ctx, s.key(id))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "",
			xerrors.WithMetadata("session_id", id))
	}
	if !ok {
		return nil, ErrNotFound
	}
	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "decode session",
			xerrors.WithMetadata("session_id", id))
	}
	if sess.Messages == nil {
		sess.Messages = []Message{}
	}
	return &sess, nil
}

// CreateOrGet 返回已有会话，或创建一个 idle 状态的新会话。重复调用是幂等的。
func (s *Store) CreateOrGet(ctx context.Context, id, userID, threadID string) (*Session, error) {
	existing, err := s.Get(ctx, id)
	if err == nil {
		return existing, nil
	}
	if !xerrors.HasCode(err, CodeNotFound) {
		return nil, err
	}
	now := s.nowMillis()
	sess := &Session{
		ID:        id,
		UserID:    userID,
		ThreadID:  threadID,
		Status:    StatusIdle,
		Messages:  []Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.write(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Update 以读取-复制-修改-写回的方式更新会话。mutate 返回错误时不写入；
// 修改结果违反挂起动作与状态的一致性时同样拒绝写入。
func (s *Store) Update(ctx context.Context, id string, mutate func(*Session) error) (*Session, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	next := current.Clone()
	if mutate != nil {
		if err := mutate(next); err != nil {
			return nil, err
		}
	}
	next.ID = current.ID
	next.CreatedAt = current.CreatedAt
	if next.TurnCount < current.TurnCount {
		return nil, xerrors.New(CodeInvariant, "turn count cannot decrease",
			xerrors.WithMetadata("session_id", id))
	}
	if err := next.Validate(); err != nil {
		return nil, err
	}
	next.UpdatedAt = s.nowMillis()
	if err := s.write(ctx, next); err != nil {
		return nil, err
	}
	return next, nil
}

// AppendMessage 追加一条消息，用户消息会使 TurnCount 加一。
func (s *Store) AppendMessage(ctx context.Context, id string, msg Message) (*Session, error) {
	if msg.Timestamp == 0 {
		msg.Timestamp = s.nowMillis()
	}
	return s.Update(ctx, id, func(sess *Session) error {
		sess.Messages = append(sess.Messages, msg)
		if msg.Role == RoleUser {
			sess.TurnCount++
		}
		return nil
	})
}

// SetStatus 设置会话状态。
func (s *Store) SetStatus(ctx context.Context, id string, status Status) (*Session, error) {
	return s.Update(ctx, id, func(sess *Session) error {
		sess.Status = status
		return nil
	})
}

// SetPendingAction 挂起一次用户操作，并根据动作类型推导等待状态。
// 已存在挂起动作时拒绝替换。
func (s *Store) SetPendingAction(ctx context.Context, id string, action PendingAction) (*Session, error) {
	if action.ActionID == "" || action.Type == "" || action.ToolName == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "pending action requires action id, type and tool name")
	}
	switch action.Type {
	case ActionConfirmation, ActionSignature, ActionInput:
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "unsupported pending action type",
			xerrors.WithMetadata("type", string(action.Type)))
	}
	if action.CreatedAt == 0 {
		action.CreatedAt = s.nowMillis()
	}
	return s.Update(ctx, id, func(sess *Session) error {
		if sess.PendingAction != nil {
			return xerrors.New(CodePendingConflict, "",
				xerrors.WithMetadata("session_id", id),
				xerrors.WithMetadata("action_id", sess.PendingAction.ActionID))
		}
		pending := action
		pending.Data = cloneRaw(action.Data)
		sess.PendingAction = &pending
		sess.Status = statusForAction(action.Type)
		return nil
	})
}

// ClearPendingAction 清除挂起动作并设置显式的下一状态，next 为空时使用 processing。
func (s *Store) ClearPendingAction(ctx context.Context, id string, next Status) (*Session, error) {
	if next == "" {
		next = StatusProcessing
	}
	if next.IsAwaiting() {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "cannot clear a pending action into an awaiting status")
	}
	return s.Update(ctx, id, func(sess *Session) error {
		sess.PendingAction = nil
		sess.Status = next
		return nil
	})
}

// RecordConfirmation 记录用户对 key 的确认结果：confirmed 为 true 时加入已确认集合，
// 否则移除。
func (s *Store) RecordConfirmation(ctx context.Context, id, key string, confirmed bool) (*Session, error) {
	if strings.TrimSpace(key) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "confirmation key is required")
	}
	return s.Update(ctx, id, func(sess *Session) error {
		kept := sess.Confirmations[:0]
		for _, existing := range sess.Confirmations {
			if existing != key {
				kept = append(kept, existing)
			}
		}
		if confirmed {
			kept = append(kept, key)
		}
		if len(kept) == 0 {
			kept = nil
		}
		sess.Confirmations = kept
		return nil
	})
}

// AddUsage 累加 token 用量与费用。
func (s *Store) AddUsage(ctx context.Context, id string, inputTokens, outputTokens int64, costUSD float64) (*Session, error) {
	if inputTokens < 0 || outputTokens < 0 || costUSD < 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "usage must be non-negative")
	}
	return s.Update(ctx, id, func(sess *Session) error {
		sess.Cost.InputTokens += inputTokens
		sess.Cost.OutputTokens += outputTokens
		sess.Cost.EstimatedCostUSD += costUSD
		return nil
	})
}

// Delete 删除会话，返回记录是否存在。
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	deleted, err := s.backend.Delete(ctx, s.key(id))
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "",
			xerrors.WithMetadata("session_id", id))
	}
	return deleted, nil
}

// Touch 只刷新过期时间，不修改记录。
func (s *Store) Touch(ctx context.Context, id string) error {
	ok, err := s.backend.RefreshExpiry(ctx, s.key(id), s.ttl)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "",
			xerrors.WithMetadata("session_id", id))
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

func (s *Store) write(ctx context.Context, sess *Session) error {
	payload, err := json.Marshal(sess)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "encode session",
			xerrors.WithMetadata("session_id", sess.ID))
	}
	if err := s.backend.SetWithExpiry(ctx, s.key(sess.ID), payload, s.ttl); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "",
			xerrors.WithMetadata("session_id", sess.ID))
	}
	return nil
}
