package session

import xerrors "OpenMCP-Bridge/internal/errors"

const (
	CodeNotFound        xerrors.Code = "SESSION_NOT_FOUND"
	CodeInvariant       xerrors.Code = "SESSION_INVARIANT"
	CodePendingConflict xerrors.Code = "PENDING_ACTION_CONFLICT"
)

func init() {
	xerrors.Register(CodeNotFound, xerrors.Attributes{
		Message:  "session not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeInvariant, xerrors.Attributes{
		Message:  "session state is inconsistent",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodePendingConflict, xerrors.Attributes{
		Message:  "session already has a pending action",
		Severity: xerrors.SeverityWarning,
	})
}

// ErrNotFound 表示会话不存在或已过期。
var ErrNotFound = xerrors.New(CodeNotFound, "session not found")
