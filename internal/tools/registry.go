package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	xerrors "OpenMCP-Bridge/internal/errors"
	"OpenMCP-Bridge/internal/session"
	"OpenMCP-Bridge/pkg/logger"
)

// Call 是大模型发起的一次工具调用。
type Call struct {
	ID    string
	Name  string
	Input json.RawMessage
}

type registered struct {
	tool   Tool
	def    Definition
	schema *jsonschema.Schema
}

// Registry 维护工具目录，并在执行前按 JSON Schema 校验输入。
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*registered
	order   []string
	logger  *slog.Logger
}

// RegistryOption 定义 Registry 的可选配置。
type RegistryOption func(*Registry)

// WithLogger 指定日志记录器。
func WithLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRegistry 创建空的工具目录。
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		entries: make(map[string]*registered),
		logger:  logger.Named("tools"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Register 注册一个或多个工具。名称重复或 Schema 无法编译时返回错误。
func (r *Registry) Register(tools ...Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, tool := range tools {
		if tool == nil {
			return xerrors.New(xerrors.CodeInvalidArgument, "tool must not be nil")
		}
		def := tool.Definition()
		name := strings.TrimSpace(def.Name)
		if name == "" {
			return xerrors.New(xerrors.CodeInvalidArgument, "tool name is required")
		}
		if _, exists := r.entries[name]; exists {
			return xerrors.New(xerrors.CodeConflict, fmt.Sprintf("tool %q already registered", name))
		}
		switch def.Category {
		case "":
			def.Category = CategoryUtility
		case CategoryRead, CategoryWrite, CategoryUtility:
		default:
			return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("tool %q has unknown category %q", name, def.Category))
		}
		if def.RequiresConfirmation && strings.TrimSpace(def.ConfirmationKey) == "" {
			return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("tool %q requires confirmation but names no confirmation key", name))
		}
		schema, err := compileSchema(name, def.InputSchema)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("invalid input schema for tool %q", name))
		}
		r.entries[name] = &registered{tool: tool, def: def, schema: schema}
		r.order = append(r.order, name)
	}
	return nil
}

// MustRegister 与 Register 相同，失败时 panic，用于进程启动阶段。
func (r *Registry) MustRegister(tools ...Tool) {
	if err := r.Register(tools...); err != nil {
		panic(err)
	}
}

// Definitions 按注册顺序返回全部工具定义。
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]Definition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.entries[name].def)
	}
	return defs
}

// Names 返回排序后的工具名称。
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := append([]string(nil), r.order...)
	sort.Strings(names)
	return names
}

// Lookup 按名称查找工具。
func (r *Registry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return entry.tool, true
}

// Execute 执行一次工具调用。未知工具、输入校验失败与缺少用户确认转换为 Failure 反馈给大模型；
// 工具自身返回的错误或 panic 视为协作方故障，以 TOOL_FAILURE 错误返回。
func (r *Registry) Execute(ctx context.Context, call Call, tc Context) (result Result, err error) {
	r.mu.RLock()
	entry, ok := r.entries[call.Name]
	r.mu.RUnlock()
	if !ok {
		return FailWithDetails(FailureUnknownTool, fmt.Sprintf("unknown tool %q", call.Name),
			map[string]any{"available": r.Names()}), nil
	}

	input := call.Input
	if len(bytes.TrimSpace(input)) == 0 {
		input = json.RawMessage(`{}`)
	}
	if entry.schema != nil {
		instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(input))
		if err != nil {
			return Fail(FailureInvalidInput, "tool input is not valid JSON"), nil
		}
		if err := entry.schema.Validate(instance); err != nil {
			return FailWithDetails(FailureInvalidInput, "tool input does not match the schema",
				map[string]any{"error": err.Error()}), nil
		}
	}

	var confirmation string
	if entry.def.RequiresConfirmation {
		confirmation = confirmationValue(input, entry.def.ConfirmationKey)
		if !tc.Confirmed(confirmation) {
			r.logger.Warn("工具调用缺少用户确认",
				slog.String("tool", call.Name),
				slog.String("call_id", call.ID),
				slog.String("session_id", tc.SessionID()),
				slog.String(entry.def.ConfirmationKey, confirmation))
			return FailWithDetails(FailureConfirmationRequired,
				fmt.Sprintf("the user has not confirmed %s %q; ask for confirmation before calling %s",
					entry.def.ConfirmationKey, confirmation, call.Name),
				map[string]any{entry.def.ConfirmationKey: confirmation}), nil
		}
	}
	if entry.def.Category == CategoryWrite {
		r.logger.Info("执行写操作工具",
			slog.String("tool", call.Name),
			slog.String("call_id", call.ID),
			slog.String("session_id", tc.SessionID()))
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("工具执行发生 panic",
				slog.String("tool", call.Name),
				slog.String("call_id", call.ID),
				slog.Any("panic", rec))
			result = nil
			err = xerrors.New(xerrors.CodeToolFailure, fmt.Sprintf("tool %q panicked", call.Name),
				xerrors.WithMetadata("tool", call.Name),
				xerrors.WithSeverity(xerrors.SeverityCritical))
		}
	}()

	res, execErr := entry.tool.Execute(ctx, input, tc, call.ID)
	if execErr != nil {
		r.logger.Warn("工具执行失败",
			slog.String("tool", call.Name),
			slog.String("call_id", call.ID),
			slog.String("session_id", tc.SessionID()),
			slog.Any("error", execErr))
		return nil, xerrors.Wrap(xerrors.CodeToolFailure, execErr, fmt.Sprintf("tool %q failed", call.Name),
			xerrors.WithMetadata("tool", call.Name),
			xerrors.WithRetryable(xerrors.RetryableError(execErr)))
	}
	if res == nil {
		return nil, xerrors.New(xerrors.CodeToolFailure, fmt.Sprintf("tool %q returned no result", call.Name),
			xerrors.WithMetadata("tool", call.Name))
	}
	if pending, ok := res.(*PendingAction); ok && pending.ActionType == session.ActionSignature && !entry.def.RequiresSignature {
		return nil, xerrors.New(xerrors.CodeToolFailure, fmt.Sprintf("tool %q requested a signature it does not declare", call.Name),
			xerrors.WithMetadata("tool", call.Name))
	}
	if confirmation != "" {
		if _, failed := res.(*Failure); !failed {
			r.consumeConfirmation(ctx, tc, confirmation)
		}
	}
	return res, nil
}

// consumeConfirmation 使已用过的确认失效，同一确认不能授权第二次执行。
func (r *Registry) consumeConfirmation(ctx context.Context, tc Context, key string) {
	if tc.Sessions == nil || tc.Session == nil {
		return
	}
	if _, err := tc.Sessions.RecordConfirmation(ctx, tc.Session.ID, key, false); err != nil {
		r.logger.Warn("清除用户确认失败",
			slog.String("session_id", tc.Session.ID),
			slog.String("confirmation", key),
			slog.Any("error", err))
	}
}

// confirmationValue 读取输入中作为确认对象的字段，字段缺失或不是字符串时返回空串。
func confirmationValue(input json.RawMessage, field string) string {
	var fields map[string]any
	if err := json.Unmarshal(input, &fields); err != nil {
		return ""
	}
	value, _ := fields[field].(string)
	return strings.TrimSpace(value)
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	url := name + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}
