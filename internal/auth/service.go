package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"OpenMCP-Bridge/pkg/logger"
)

// Service 校验聊天传输层携带的静态令牌。
type Service struct {
	mode    Mode
	clients []registeredClient
	audit   *slog.Logger
}

type registeredClient struct {
	name   string
	digest [sha256.Size]byte
	perms  []string
}

// NewService 根据配置创建认证服务。令牌只以摘要形式保存在内存中。
func NewService(cfg Config) (*Service, error) {
	mode := cfg.Mode
	if mode == "" {
		mode = ModeDisabled
	}
	s := &Service{mode: mode, audit: logger.Audit()}
	switch mode {
	case ModeDisabled:
		return s, nil
	case ModeToken:
	default:
		return nil, fmt.Errorf("不支持的认证模式: %s", mode)
	}

	if len(cfg.Clients) == 0 {
		return nil, ErrNoClients
	}
	seen := make(map[string]struct{}, len(cfg.Clients))
	for _, c := range cfg.Clients {
		name := strings.TrimSpace(c.Name)
		token := strings.TrimSpace(c.Token)
		if name == "" {
			return nil, errors.New("认证客户端缺少名称")
		}
		if token == "" {
			return nil, fmt.Errorf("认证客户端 %s 缺少令牌", name)
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("重复的认证客户端: %s", name)
		}
		seen[name] = struct{}{}
		s.clients = append(s.clients, registeredClient{
			name:   name,
			digest: sha256.Sum256([]byte(token)),
			perms:  append([]string(nil), c.Permissions...),
		})
	}
	return s, nil
}

// Mode 返回当前认证模式。
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// AuthenticateRequest 解析 Authorization 头并返回对应的调用方。
func (s *Service) AuthenticateRequest(authorization string) (*Subject, error) {
	token, err := bearerToken(authorization)
	if err != nil {
		return nil, err
	}
	digest := sha256.Sum256([]byte(token))
	var match *registeredClient
	// 遍历全部客户端，比较耗时与令牌位置无关。
	for i := range s.clients {
		if subtle.ConstantTimeCompare(digest[:], s.clients[i].digest[:]) == 1 {
			match = &s.clients[i]
		}
	}
	if match == nil {
		return nil, ErrInvalidToken
	}
	subject := &Subject{Name: match.name, Permissions: append([]string(nil), match.perms...)}
	subject.normalise()
	return subject, nil
}

func bearerToken(authorization string) (string, error) {
	authorization = strings.TrimSpace(authorization)
	if authorization == "" {
		return "", ErrMissingToken
	}
	if strings.EqualFold(authorization, "Bearer") {
		return "", ErrMissingToken
	}
	scheme, token, ok := strings.Cut(authorization, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", ErrInvalidToken
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}
