// Package events 发布会话生命周期事件，供消息传输层渲染确认、签名提示或收尾。
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"OpenMCP-Bridge/internal/session"
)

// Type 是事件类型，同时用作消息路由键。
type Type string

const (
	TypeAwaitingAction Type = "session.awaiting_action"
	TypeCompleted      Type = "session.completed"
	TypeFailed         Type = "session.failed"
	TypeCancelled      Type = "session.cancelled"
)

// Event 描述一次会话状态变化。
type Event struct {
	ID            string                 `json:"id"`
	Type          Type                   `json:"type"`
	SessionID     string                 `json:"session_id"`
	UserID        string                 `json:"user_id"`
	ThreadID      string                 `json:"thread_id,omitempty"`
	Status        session.Status         `json:"status"`
	Message       string                 `json:"message,omitempty"`
	PendingAction *session.PendingAction `json:"pending_action,omitempty"`
	OccurredAt    time.Time              `json:"occurred_at"`
}

// Encode 序列化事件。
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Publisher 负责投递事件。
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// NopPublisher 丢弃所有事件。
type NopPublisher struct{}

// Publish 实现 Publisher。
func (NopPublisher) Publish(context.Context, Event) error { return nil }

// Close 实现 Publisher。
func (NopPublisher) Close() error { return nil }

// MemoryPublisher 在内存中保存事件，并向订阅者广播，适用于单进程部署和测试。
type MemoryPublisher struct {
	mu          sync.Mutex
	events      []Event
	subscribers []chan Event
	closed      bool
}

// NewMemoryPublisher 创建内存事件发布器。
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

// Publish 记录事件并非阻塞地通知订阅者，订阅者缓冲区满时丢弃该通知。
func (m *MemoryPublisher) Publish(_ context.Context, event Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.events = append(m.events, event)
	for _, ch := range m.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
	return nil
}

// Subscribe 返回接收后续事件的通道。
func (m *MemoryPublisher) Subscribe(buffer int) <-chan Event {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		close(ch)
		return ch
	}
	m.subscribers = append(m.subscribers, ch)
	return ch
}

// Events 返回已发布事件的副本。
func (m *MemoryPublisher) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// Close 关闭所有订阅通道。
func (m *MemoryPublisher) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, ch := range m.subscribers {
		close(ch)
	}
	m.subscribers = nil
	return nil
}

var (
	_ Publisher = NopPublisher{}
	_ Publisher = (*MemoryPublisher)(nil)
)
