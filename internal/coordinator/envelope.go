package coordinator

import (
	"github.com/tidwall/gjson"

	"paneloom/internal/protocol"
)

// QueryResult wraps a successful query payload so callers outside this
// package can navigate it without importing gjson directly.
type QueryResult struct {
	Payload gjson.Result
}

// Get is a thin passthrough to gjson.Result.Get for field navigation.
func (q QueryResult) Get(path string) gjson.Result { return q.Payload.Get(path) }

// translated is the coordinator's interpretation of one upstream response:
// the parsed payload (by field name, fetched lazily via gjson), whether the
// call succeeded, and — on failure — enough detail to drive the connection
// state machine and registry side effects.
type translated struct {
	OK          bool
	Status      int
	Payload     gjson.Result
	Error       *protocol.ErrPayload
	AuthError   bool
	RateLimited bool
	PaneGone    bool
}

// translateResponse implements §4.7's envelope translation and §7's error
// kinds. A transportErr (network/timeout/parse failure at the Do layer)
// always becomes an INTERNAL error; otherwise the body is parsed as
// { <payload>?, error?, errorCause? } and the HTTP status drives the
// auth/rate-limit/pane-gone side-effect flags.
func translateResponse(status int, raw []byte, transportErr error) translated {
	if transportErr != nil {
		return translated{
			Status: status,
			Error:  &protocol.ErrPayload{Code: protocol.ErrInternal, Message: transportErr.Error()},
		}
	}

	parsed := gjson.ParseBytes(raw)
	errNode := parsed.Get("error")

	if status >= 200 && status < 300 && !errNode.Exists() {
		return translated{OK: true, Status: status, Payload: parsed}
	}

	code := protocol.ErrInternal
	message := errNode.Get("message").String()
	if c := errNode.Get("code").String(); c != "" {
		code = protocol.ErrorCode(c)
	}

	message = protocol.BuildServerErrorMessage(message, status)
	if status == 500 {
		if cause := parsed.Get("errorCause").String(); cause != "" {
			message = message + "\nError cause: " + cause
		}
	}

	t := translated{
		Status: status,
		Error:  &protocol.ErrPayload{Code: code, Message: message},
	}

	switch {
	case status == 401 || status == 403:
		t.AuthError = true
	case status == 429:
		t.RateLimited = true
	case status == 410:
		t.PaneGone = true
	case code == protocol.ErrInvalidPane:
		t.PaneGone = true
	case code == protocol.ErrNotFound && errNode.Get("message").String() == "pane not found":
		t.PaneGone = true
	}

	return t
}
