package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"OpenMCP-Bridge/internal/agent"
	"OpenMCP-Bridge/internal/auth"
	xerrors "OpenMCP-Bridge/internal/errors"
	"OpenMCP-Bridge/internal/observability/metrics"
	"OpenMCP-Bridge/internal/session"
	"OpenMCP-Bridge/internal/storage/mysql"
	"OpenMCP-Bridge/pkg/logger"
)

// RequestIDHeader 是请求 ID 的 HTTP 头。
const RequestIDHeader = "X-Request-ID"

// maxBodyBytes 限制请求体大小。
const maxBodyBytes = 1 << 20

// Service 是 API 层依赖的对话能力，由 agent.Agent 实现。
type Service interface {
	Run(ctx context.Context, req agent.RunRequest) (*agent.Result, error)
	Resume(ctx context.Context, req agent.ResumeRequest) (*agent.Result, error)
	Cancel(ctx context.Context, sessionID string) (*session.Session, error)
	KeepAlive(ctx context.Context, sessionID string) error
	Session(ctx context.Context, sessionID string) (*session.Session, error)
}

var _ Service = (*agent.Agent)(nil)

// Server 负责暴露 REST 接口，供消息传输层驱动对话。
type Server struct {
	addr            string
	service         Service
	archive         mysql.SessionArchive
	auth            *auth.Service
	metrics         *metrics.Metrics
	logger          *slog.Logger
	readTimeout     time.Duration
	writeTimeout    time.Duration
	shutdownTimeout time.Duration
}

// Option 定义 Server 的可选配置。
type Option func(*Server)

// WithArchive 启用归档查询接口。
func WithArchive(archive mysql.SessionArchive) Option {
	return func(s *Server) {
		s.archive = archive
	}
}

// WithAuth 为 /api/v1 下的路由启用令牌认证。
func WithAuth(svc *auth.Service) Option {
	return func(s *Server) {
		s.auth = svc
	}
}

// WithMetrics 记录 HTTP 指标并暴露 /metrics。
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithLogger 替换请求日志。
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithTimeouts 设置读写与优雅关闭的超时时间，非正数保持默认值。
func WithTimeouts(read, write, shutdown time.Duration) Option {
	return func(s *Server) {
		if read > 0 {
			s.readTimeout = read
		}
		if write > 0 {
			s.writeTimeout = write
		}
		if shutdown > 0 {
			s.shutdownTimeout = shutdown
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, svc Service, opts ...Option) *Server {
	s := &Server{
		addr:            addr,
		service:         svc,
		logger:          logger.Named("api"),
		readTimeout:     30 * time.Second,
		writeTimeout:    120 * time.Second,
		shutdownTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回注册好全部路由的 HTTP 处理器。
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(s.observe)
	r.Use(chiMiddleware.Heartbeat("/healthz"))

	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(chiMiddleware.AllowContentType("application/json"))
		r.With(s.auth.Middleware(auth.PermMessagesWrite)).Post("/messages", s.handleMessage)
		r.With(s.auth.Middleware(auth.PermMessagesWrite)).Post("/resume", s.handleResume)
		r.Route("/sessions/{sessionID}", func(r chi.Router) {
			r.With(s.auth.Middleware(auth.PermSessionsRead)).Get("/", s.handleGetSession)
			r.With(s.auth.Middleware(auth.PermSessionsWrite)).Delete("/", s.handleCancelSession)
			r.With(s.auth.Middleware(auth.PermSessionsWrite)).Post("/keepalive", s.handleKeepAlive)
		})
		r.With(s.auth.Middleware(auth.PermArchiveRead)).Get("/users/{userID}/archive", s.handleListArchive)
	})
	return r
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.readTimeout,
		WriteTimeout:      s.writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("API 服务启动", slog.String("addr", s.addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req agent.RunRequest
	if !decodeBody(w, r, &req) {
		return
	}
	result, err := s.service.Run(r.Context(), req)
	s.writeResult(w, r, result, err)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	var req agent.ResumeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	result, err := s.service.Resume(r.Context(), req)
	s.writeResult(w, r, result, err)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.service.Session(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleCancelSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.service.Cancel(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleKeepAlive(w http.ResponseWriter, r *http.Request) {
	if err := s.service.KeepAlive(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListArchive(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		s.writeError(w, r, xerrors.New(xerrors.CodeInitializationFailure, "未启用会话归档"))
		return
	}
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	records, err := s.archive.ListByUser(r.Context(), chi.URLParam(r, "userID"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if records == nil {
		records = []mysql.ArchivedSession{}
	}
	writeJSON(w, http.StatusOK, records)
}

type errorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	RequestID string `json:"request_id,omitempty"`
}

type resultResponse struct {
	*agent.Result
	Error *errorBody `json:"error,omitempty"`
}

// writeResult 输出对话结果。协作方故障时结果与错误一并返回，错误只包含通用描述。
func (s *Server) writeResult(w http.ResponseWriter, r *http.Request, result *agent.Result, err error) {
	if err == nil {
		writeJSON(w, http.StatusOK, resultResponse{Result: result})
		return
	}
	if result == nil {
		s.writeError(w, r, err)
		return
	}
	s.logFailure(r, err)
	writeJSON(w, statusFor(err), resultResponse{Result: result, Error: s.errorBody(r, err)})
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	s.logFailure(r, err)
	writeJSON(w, statusFor(err), map[string]any{"error": s.errorBody(r, err)})
}

func (s *Server) errorBody(r *http.Request, err error) *errorBody {
	return &errorBody{
		Code:      string(xerrors.CodeOf(err)),
		Message:   xerrors.UserMessage(err),
		Retryable: xerrors.RetryableError(err),
		RequestID: requestIDFrom(r),
	}
}

// logFailure 按错误的严重程度选择日志级别。
func (s *Server) logFailure(r *http.Request, err error) {
	severity := xerrors.SeverityOf(err)
	level := slog.LevelInfo
	switch severity {
	case xerrors.SeverityCritical:
		level = slog.LevelError
	case xerrors.SeverityWarning:
		level = slog.LevelWarn
	}
	s.logger.Log(r.Context(), level, "请求处理失败",
		slog.String("request_id", requestIDFrom(r)),
		slog.String("path", r.URL.Path),
		slog.String("code", string(xerrors.CodeOf(err))),
		slog.String("severity", string(severity)),
		slog.Any("error", err))
}

// statusFor 把错误码映射为 HTTP 状态码。
func statusFor(err error) int {
	switch xerrors.CodeOf(err) {
	case xerrors.CodeInvalidArgument:
		return http.StatusBadRequest
	case session.CodeNotFound, xerrors.CodeNotFound:
		return http.StatusNotFound
	case agent.CodeSessionTerminal, agent.CodeUseResume, agent.CodeNotAwaitingAction,
		agent.CodeActionIDMismatch, session.CodePendingConflict, xerrors.CodeConflict:
		return http.StatusConflict
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	case xerrors.CodeModelFailure, xerrors.CodeToolFailure, xerrors.CodeUpstreamFailure:
		return http.StatusBadGateway
	case xerrors.CodeInitializationFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": &errorBody{
			Code:      string(xerrors.CodeInvalidArgument),
			Message:   "请求体解析失败",
			RequestID: requestIDFrom(r),
		}})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type requestIDKey struct{}

// requestID 复用调用方传入的请求 ID，缺失时生成一个。
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

func requestIDFrom(r *http.Request) string {
	id, _ := r.Context().Value(requestIDKey{}).(string)
	return id
}

// observe 记录请求日志与 HTTP 指标，按路由模板聚合。
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		elapsed := time.Since(started)
		s.metrics.ObserveHTTPRequest(route, r.Method, status, elapsed)
		s.logger.Debug("HTTP 请求",
			slog.String("request_id", requestIDFrom(r)),
			slog.String("method", r.Method),
			slog.String("route", route),
			slog.Int("status", status),
			slog.Duration("duration", elapsed))
	})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
