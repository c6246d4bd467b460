package agent

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "OpenMCP-Bridge/internal/errors"
	"OpenMCP-Bridge/internal/events"
	"OpenMCP-Bridge/internal/intent"
	"OpenMCP-Bridge/internal/knowledge"
	"OpenMCP-Bridge/internal/llm"
	"OpenMCP-Bridge/internal/observability/alerting"
	"OpenMCP-Bridge/internal/observability/metrics"
	"OpenMCP-Bridge/internal/session"
	"OpenMCP-Bridge/internal/storage/mysql"
	"OpenMCP-Bridge/internal/tools"
	"OpenMCP-Bridge/pkg/logger"
)

// DefaultMaxTurns 是单次 Run 或 Resume 允许的最大模型调用次数。
const DefaultMaxTurns = 25

// 固定回复文本。
const (
	CancelAcknowledgement = "Okay, I've cancelled that. Nothing was sent from your wallet."
	MaxTurnsMessage       = "I've reached the maximum number of steps for this request. Send a new message if you'd like me to keep going."
	FailureMessage        = "Sorry, something went wrong while handling your request. Please try again in a moment."
	toolCallPlaceholder   = "Working on it..."
)

// RunRequest 描述一条新的用户消息。
type RunRequest struct {
	SessionID     string `json:"session_id"`
	UserID        string `json:"user_id"`
	ThreadID      string `json:"thread_id,omitempty"`
	WalletAddress string `json:"wallet_address,omitempty"`
	Message       string `json:"message"`
	// MaxTurns 为 0 时使用 Agent 的默认值。
	MaxTurns int `json:"max_turns,omitempty"`
	// Restart 允许在终态会话上开始新的对话：旧记录归档并删除后重新创建。
	Restart bool `json:"restart,omitempty"`
}

// ResumeRequest 描述用户对挂起动作的回应。
type ResumeRequest struct {
	SessionID string `json:"session_id"`
	ActionID  string `json:"action_id"`
	Response  string `json:"response,omitempty"`
	Confirmed bool   `json:"confirmed"`
	// Data 携带签名结果等附加数据。
	Data     string `json:"data,omitempty"`
	MaxTurns int    `json:"max_turns,omitempty"`
}

// Result 是交给消息传输层的处理结果。AwaitingAction 为 true 时，
// 传输层应根据 Session.PendingAction 渲染确认或签名提示。
type Result struct {
	Success        bool             `json:"success"`
	Response       string           `json:"response,omitempty"`
	AwaitingAction bool             `json:"awaiting_action"`
	Session        *session.Session `json:"session,omitempty"`
}

// Pricing 是按每百万 token 计价的模型费用。
type Pricing struct {
	InputPerMTok  float64
	OutputPerMTok float64
}

// DefaultPricing 是未配置时使用的单价。
var DefaultPricing = Pricing{InputPerMTok: 3, OutputPerMTok: 15}

// Agent 协调大模型、工具与会话存储，是系统的业务核心。
type Agent struct {
	model     llm.Client
	sessions  *session.Store
	registry  *tools.Registry
	catalog   []llm.ToolDefinition
	parser    *intent.Parser
	knowledge knowledge.Provider
	events    events.Publisher
	archive   mysql.SessionArchive
	metrics   *metrics.Metrics
	alerter   alerting.Dispatcher
	logger    *slog.Logger
	audit     *slog.Logger

	maxTurns     int
	maxTokens    int
	modelTimeout time.Duration
	pricing      Pricing
	newID        func() string
	now          func() time.Time
}

// Option 定义可选的 Agent 配置。
type Option func(*Agent)

// WithMaxTurns 设置默认的轮次上限。
func WithMaxTurns(n int) Option {
	return func(a *Agent) {
		if n > 0 {
			a.maxTurns = n
		}
	}
}

// WithMaxTokens 设置单次模型调用的输出 token 上限。
func WithMaxTokens(n int) Option {
	return func(a *Agent) {
		if n > 0 {
			a.maxTokens = n
		}
	}
}

// WithModelTimeout 设置调用大模型的超时时间。
func WithModelTimeout(timeout time.Duration) Option {
	return func(a *Agent) {
		if timeout <= 0 {
			a.modelTimeout = 0
			return
		}
		a.modelTimeout = timeout
	}
}

// WithPricing 设置费用估算使用的单价。
func WithPricing(p Pricing) Option {
	return func(a *Agent) {
		if p.InputPerMTok >= 0 && p.OutputPerMTok >= 0 {
			a.pricing = p
		}
	}
}

// WithParser 替换意图解析器。
func WithParser(p *intent.Parser) Option {
	return func(a *Agent) {
		if p != nil {
			a.parser = p
		}
	}
}

// WithKnowledgeProvider 配置知识库，用于在推理前补充上下文。
func WithKnowledgeProvider(provider knowledge.Provider) Option {
	return func(a *Agent) {
		a.knowledge = provider
	}
}

// WithEventPublisher 配置生命周期事件的发布器。
func WithEventPublisher(p events.Publisher) Option {
	return func(a *Agent) {
		if p != nil {
			a.events = p
		}
	}
}

// WithArchive 配置终态会话的归档存储。
func WithArchive(archive mysql.SessionArchive) Option {
	return func(a *Agent) {
		a.archive = archive
	}
}

// WithMetrics 配置指标采集。
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Agent) {
		a.metrics = m
	}
}

// WithAlertDispatcher 配置会话故障告警。
func WithAlertDispatcher(d alerting.Dispatcher) Option {
	return func(a *Agent) {
		a.alerter = d
	}
}

// WithLogger 替换运行日志与审计日志。
func WithLogger(l, audit *slog.Logger) Option {
	return func(a *Agent) {
		if l != nil {
			a.logger = l
		}
		if audit != nil {
			a.audit = audit
		}
	}
}

// WithIDGenerator 替换挂起动作与事件 ID 的生成方式。
func WithIDGenerator(fn func() string) Option {
	return func(a *Agent) {
		if fn != nil {
			a.newID = fn
		}
	}
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(a *Agent) {
		if now != nil {
			a.now = now
		}
	}
}

// New 创建一个 Agent。工具目录在创建时固定。
func New(model llm.Client, sessions *session.Store, registry *tools.Registry, opts ...Option) *Agent {
	ag := &Agent{
		model:     model,
		sessions:  sessions,
		registry:  registry,
		parser:    intent.NewParser(),
		events:    events.NopPublisher{},
		logger:    logger.Named("agent"),
		audit:     logger.Audit(),
		maxTurns:  DefaultMaxTurns,
		maxTokens: 4096,
		pricing:   DefaultPricing,
		newID:     uuid.NewString,
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(ag)
		}
	}
	if registry != nil {
		for _, def := range registry.Definitions() {
			ag.catalog = append(ag.catalog, llm.ToolDefinition{
				Name:        def.Name,
				Description: catalogDescription(def),
				InputSchema: def.InputSchema,
			})
		}
	}
	return ag
}

// catalogDescription 把工具的确认与签名要求写进给大模型的描述。
func catalogDescription(def tools.Definition) string {
	desc := def.Description
	if def.RequiresConfirmation {
		desc += " Only runs after the user has confirmed this " + def.ConfirmationKey + "."
	}
	if def.RequiresSignature {
		desc += " Hands a transaction to the user's wallet for signing."
	}
	return desc
}

func (a *Agent) ready() error {
	if a.model == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置大模型客户端")
	}
	if a.sessions == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置会话存储")
	}
	if a.registry == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置工具注册表")
	}
	return nil
}

func (a *Agent) budget(requested int) int {
	if requested > 0 {
		return requested
	}
	return a.maxTurns
}

// Run 处理一条新的用户消息。
func (a *Agent) Run(ctx context.Context, req RunRequest) (*Result, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.SessionID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "session_id 不能为空")
	}
	if strings.TrimSpace(req.Message) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "message 不能为空")
	}

	sess, err := a.sessions.CreateOrGet(ctx, req.SessionID, req.UserID, req.ThreadID)
	if err != nil {
		return nil, err
	}
	if sess.Status.IsTerminal() {
		if !req.Restart {
			return nil, xerrors.New(CodeSessionTerminal, "",
				xerrors.WithMetadata("session_id", sess.ID),
				xerrors.WithMetadata("status", string(sess.Status)))
		}
		if sess, err = a.restart(ctx, sess, req); err != nil {
			return nil, err
		}
	}
	if sess.Status.IsAwaiting() {
		return nil, xerrors.New(CodeUseResume, "",
			xerrors.WithMetadata("session_id", sess.ID),
			xerrors.WithMetadata("action_id", sess.PendingAction.ActionID))
	}

	parsed, err := a.parser.Parse(req.Message)
	if err != nil {
		return nil, err
	}
	if parsed.Intent() == intent.IntentCancel {
		return a.acknowledgeCancel(ctx, sess.ID, req)
	}

	content := intent.Enrich(req.Message, parsed)
	_, err = a.sessions.Update(ctx, sess.ID, func(s *session.Session) error {
		s.Messages = append(s.Messages, session.Message{
			Role:      session.RoleUser,
			Content:   content,
			Timestamp: a.now().UnixMilli(),
		})
		s.TurnCount++
		s.ModelTurns = 0
		s.Status = session.StatusProcessing
		if req.WalletAddress != "" {
			s.WalletAddress = req.WalletAddress
		}
		return nil
	})
	if err != nil {
		return a.fail(ctx, sess.ID, err)
	}
	a.metrics.ObserveTransition(string(session.StatusProcessing))
	a.logger.Debug("收到用户消息",
		slog.String("session_id", sess.ID),
		slog.String("intent", string(parsed.Intent())),
		slog.String("confidence", string(parsed.Confidence())))

	return a.loop(ctx, sess.ID, a.budget(req.MaxTurns))
}

// Resume 处理用户对挂起动作的回应，并从挂起处继续对话。
func (a *Agent) Resume(ctx context.Context, req ResumeRequest) (*Result, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.SessionID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "session_id 不能为空")
	}
	if strings.TrimSpace(req.ActionID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "action_id 不能为空")
	}

	sess, err := a.sessions.Get(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	if sess.PendingAction == nil {
		return nil, xerrors.New(CodeNotAwaitingAction, "",
			xerrors.WithMetadata("session_id", sess.ID),
			xerrors.WithMetadata("status", string(sess.Status)))
	}
	pending := *sess.PendingAction
	if pending.ActionID != req.ActionID {
		return nil, xerrors.New(CodeActionIDMismatch, "",
			xerrors.WithMetadata("session_id", sess.ID),
			xerrors.WithMetadata("action_id", req.ActionID))
	}
	content, err := resumeMessage(pending, req)
	if err != nil {
		return nil, err
	}
	consumed := sess.ModelTurns

	if _, err := a.sessions.ClearPendingAction(ctx, sess.ID, session.StatusProcessing); err != nil {
		return a.fail(ctx, sess.ID, err)
	}
	if pending.Type == session.ActionConfirmation && pending.ConfirmationKey != "" {
		if _, err := a.sessions.RecordConfirmation(ctx, sess.ID, pending.ConfirmationKey, req.Confirmed); err != nil {
			return a.fail(ctx, sess.ID, err)
		}
	}
	if _, err := a.sessions.AppendMessage(ctx, sess.ID, session.Message{
		Role:      session.RoleUser,
		Content:   content,
		Timestamp: a.now().UnixMilli(),
	}); err != nil {
		return a.fail(ctx, sess.ID, err)
	}
	a.metrics.ObserveTransition(string(session.StatusProcessing))
	a.audit.Info("挂起动作已处理",
		slog.String("session_id", sess.ID),
		slog.String("action_id", pending.ActionID),
		slog.String("action_type", string(pending.Type)),
		slog.String("tool", pending.ToolName),
		slog.String("confirmation_key", pending.ConfirmationKey),
		slog.Bool("confirmed", req.Confirmed))

	return a.loop(ctx, sess.ID, a.budget(req.MaxTurns)-consumed)
}

// Cancel 由调用方主动结束会话：未终结的会话转为 cancelled 并清除挂起动作，
// 随后归档并删除记录。返回删除前的最终快照。
func (a *Agent) Cancel(ctx context.Context, sessionID string) (*session.Session, error) {
	if a.sessions == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置会话存储")
	}
	sess, err := a.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !sess.Status.IsTerminal() {
		sess, err = a.sessions.Update(ctx, sessionID, func(s *session.Session) error {
			s.PendingAction = nil
			s.Status = session.StatusCancelled
			return nil
		})
		if err != nil {
			return nil, err
		}
		a.metrics.ObserveTransition(string(session.StatusCancelled))
		a.audit.Info("会话已取消", slog.String("session_id", sessionID), slog.String("user_id", sess.UserID))
		a.publish(ctx, events.TypeCancelled, sess, "")
	}
	a.archiveSession(ctx, sess)
	if _, err := a.sessions.Delete(ctx, sessionID); err != nil {
		return nil, err
	}
	return sess, nil
}

// KeepAlive 刷新会话的过期时间，钱包签名耗时较长时由传输层调用。
func (a *Agent) KeepAlive(ctx context.Context, sessionID string) error {
	if a.sessions == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置会话存储")
	}
	return a.sessions.Touch(ctx, sessionID)
}

// Session 返回会话当前状态。
func (a *Agent) Session(ctx context.Context, sessionID string) (*session.Session, error) {
	if a.sessions == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置会话存储")
	}
	return a.sessions.Get(ctx, sessionID)
}

func (a *Agent) restart(ctx context.Context, sess *session.Session, req RunRequest) (*session.Session, error) {
	a.archiveSession(ctx, sess)
	if _, err := a.sessions.Delete(ctx, sess.ID); err != nil {
		return nil, err
	}
	a.audit.Info("终态会话重新开始",
		slog.String("session_id", sess.ID),
		slog.String("previous_status", string(sess.Status)))
	return a.sessions.CreateOrGet(ctx, req.SessionID, req.UserID, req.ThreadID)
}

func (a *Agent) acknowledgeCancel(ctx context.Context, sessionID string, req RunRequest) (*Result, error) {
	now := a.now().UnixMilli()
	sess, err := a.sessions.Update(ctx, sessionID, func(s *session.Session) error {
		s.Messages = append(s.Messages,
			session.Message{Role: session.RoleUser, Content: req.Message, Timestamp: now},
			session.Message{Role: session.RoleAssistant, Content: CancelAcknowledgement, Timestamp: now},
		)
		s.TurnCount++
		s.Status = session.StatusCompleted
		if req.WalletAddress != "" {
			s.WalletAddress = req.WalletAddress
		}
		return nil
	})
	if err != nil {
		return a.fail(ctx, sessionID, err)
	}
	a.metrics.ObserveTransition(string(session.StatusCompleted))
	a.audit.Info("用户取消了对话", slog.String("session_id", sessionID), slog.String("user_id", sess.UserID))
	a.publish(ctx, events.TypeCompleted, sess, CancelAcknowledgement)
	a.archiveSession(ctx, sess)
	return &Result{Success: true, Response: CancelAcknowledgement, Session: sess}, nil
}

// resumeMessage 把用户对挂起动作的回应整理成一条用户消息。
func resumeMessage(pending session.PendingAction, req ResumeRequest) (string, error) {
	switch pending.Type {
	case session.ActionConfirmation:
		if req.Confirmed {
			return "Confirmed", nil
		}
		return "Cancelled", nil
	case session.ActionSignature:
		if !req.Confirmed {
			return "Signature rejected", nil
		}
		data := strings.TrimSpace(req.Data)
		if data == "" {
			data = strings.TrimSpace(req.Response)
		}
		if data == "" {
			return "", xerrors.New(xerrors.CodeInvalidArgument, "签名结果不能为空")
		}
		return "Signed: " + data, nil
	default:
		response := strings.TrimSpace(req.Response)
		if response == "" {
			return "", xerrors.New(xerrors.CodeInvalidArgument, "response 不能为空")
		}
		return response, nil
	}
}
