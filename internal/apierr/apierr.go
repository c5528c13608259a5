// Package apierr defines the typed error catalog shared by every HTTP
// handler. Handlers tag a cause once, at the point it is known, with a
// wire Code (New/Wrap), and the router renders a uniform
// {"error":{...}} envelope later, taking the HTTP status from the Code
// rather than from a message string. Each range of the wire error-code
// table also has a zeebo/errs Class value; neither the Error type nor
// the envelope rendering uses those classes.
package apierr

import (
	"net/http"

	"github.com/zeebo/errs"
)

// Class names a contiguous range of wire error codes and carries a
// nominal HTTP status for that range. Rendering does not consult it:
// the status an Error renders as comes from httpStatusFor(Code).
type Class struct {
	errs.Class
	status int
}

var (
	Auth     = Class{errs.Class("auth"), http.StatusUnauthorized}
	Peer     = Class{errs.Class("peer"), http.StatusBadRequest}
	Exec     = Class{errs.Class("exec"), http.StatusBadRequest}
	Transfer = Class{errs.Class("transfer"), http.StatusBadRequest}
	Context  = Class{errs.Class("context"), http.StatusBadRequest}
	AITask   = Class{errs.Class("ai-task"), http.StatusBadRequest}
	Internal = Class{errs.Class("internal"), http.StatusInternalServerError}
)

// Code enumerates the §6.1 wire error codes.
type Code int

const (
	AuthMissing Code = 1001 + iota
	AuthInvalid
	AuthExpired
)

const (
	PeerNotFound Code = 2001 + iota
	PeerOffline
	PeerUnreachable
	PeerHandshakeFailed
	PeerVersionMismatch
)

const (
	ExecDenied Code = 3001 + iota
	ExecTimeout
	ExecMaxConcurrent
	ExecFailed
	ExecCancelled
	ExecJobNotFound
)

const (
	TransferPathDenied Code = 4001 + iota
	TransferFileNotFound
	TransferTooLarge
	TransferChecksumMismatch
	TransferFailed
)

const (
	ContextKeyNotFound Code = 5001 + iota
	ContextValueTooLarge
	ContextMaxEntries
)

const (
	AITaskNotFound Code = 6001 + iota
	AITaskMaxConcurrent
	AITaskFailed
	AITaskAlreadyCompleted
	AITaskNoPendingApproval
	AITaskClaudeNotFound
	AITaskAgentNotFound
)

const (
	InternalError  Code = 9001
	RateLimited    Code = 9002
	InvalidRequest Code = 9003
)

// httpStatusFor maps a code to the HTTP status §6.1 mandates. Most
// codes fall under their class's default status; a handful of cross-
// cutting codes (404/401/403/429) are special-cased.
func httpStatusFor(code Code) int {
	switch code {
	case AuthMissing:
		return http.StatusUnauthorized
	case AuthInvalid, AuthExpired:
		return http.StatusForbidden
	case PeerNotFound, ExecJobNotFound, TransferFileNotFound, ContextKeyNotFound, AITaskNotFound:
		return http.StatusNotFound
	case ExecMaxConcurrent, AITaskMaxConcurrent:
		return http.StatusTooManyRequests
	case RateLimited:
		return http.StatusTooManyRequests
	case InternalError:
		return http.StatusInternalServerError
	}
	return http.StatusBadRequest
}

// Error is the typed error every handler should return; the router
// renders it into the §6.1 envelope.
type Error struct {
	Code    Code
	Message string
	Details interface{}
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.Message + ": " + e.cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// Status returns the HTTP status this error should render as.
func (e *Error) Status() int { return httpStatusFor(e.Code) }

// New builds an apierr.Error carrying the given wire code.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap attaches a wire code to an underlying cause, preserving it for
// logs while giving the HTTP layer a stable code to render.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// Envelope is the exact JSON shape §6.1 specifies for error responses.
type Envelope struct {
	Error EnvelopeBody `json:"error"`
}

type EnvelopeBody struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// ToEnvelope renders any error into the wire envelope, defaulting
// unclassified errors to 9001/internal so no handler can leak a bare
// Go error message without a wire code.
func ToEnvelope(err error) (int, Envelope) {
	if ae, ok := err.(*Error); ok {
		return ae.Status(), Envelope{Error: EnvelopeBody{
			Code:    int(ae.Code),
			Message: ae.Message,
			Details: ae.Details,
		}}
	}
	return http.StatusInternalServerError, Envelope{Error: EnvelopeBody{
		Code:    int(InternalError),
		Message: err.Error(),
	}}
}
