package agent

import xerrors "OpenMCP-Bridge/internal/errors"

const (
	CodeSessionTerminal   xerrors.Code = "SESSION_TERMINAL"
	CodeUseResume         xerrors.Code = "USE_RESUME"
	CodeNotAwaitingAction xerrors.Code = "NOT_AWAITING_ACTION"
	CodeActionIDMismatch  xerrors.Code = "ACTION_ID_MISMATCH"
)

func init() {
	xerrors.Register(CodeSessionTerminal, xerrors.Attributes{
		Message:  "this conversation has ended, start a new one",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeUseResume, xerrors.Attributes{
		Message:  "the session is waiting for a response to a pending action, use resume",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeNotAwaitingAction, xerrors.Attributes{
		Message:  "the session has no pending action",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeActionIDMismatch, xerrors.Attributes{
		Message:  "the action id does not match the pending action",
		Severity: xerrors.SeverityWarning,
	})
}
