package rest

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"cryptotrader/internal/fault"
)

// ErrorKind lets callers pick a retry policy per failure class.
type ErrorKind int

const (
	Timeout ErrorKind = iota + 1
	Transport
	AuthRejected
	RateLimited
	ServerError
	Rejected
)

func (k ErrorKind) String() string {
	switch k {
	case Timeout:
		return "timeout"
	case Transport:
		return "transport"
	case AuthRejected:
		return "auth_rejected"
	case RateLimited:
		return "rate_limited"
	case ServerError:
		return "server_error"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Exchange error codes with dedicated handling.
const (
	codeInvalidSignature = -1022
	codeNewOrderRejected = -2010
	codeUnknownOrder     = -2011
	codeBadAPIKeyFormat  = -2014
	codeRejectedMbxKey   = -2015
)

// Error is returned by Client.Call for every failed request.
type Error struct {
	Kind       ErrorKind
	Method     string
	Path       string
	Status     int
	Code       int
	Msg        string
	RetryAfter time.Duration
	IPBanned   bool
	Err        error
}

func (e *Error) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("%s %s: %s: %v", e.Method, e.Path, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s: %s: status %d code %d: %s", e.Method, e.Path, e.Kind, e.Status, e.Code, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// FaultKind maps the REST failure onto the session taxonomy.
func (e *Error) FaultKind() fault.Kind {
	switch e.Kind {
	case Timeout, Transport, ServerError:
		return fault.Transport
	case AuthRejected:
		return fault.Auth
	case RateLimited:
		return fault.RateLimited
	default:
		return fault.Unknown
	}
}

// Retryable reports whether repeating the identical request can succeed.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case Timeout, Transport, ServerError, RateLimited:
		return true
	default:
		return false
	}
}

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// classify builds the error for a non-2xx response.
func classify(method, path string, status int, header http.Header, body []byte) *Error {
	var api apiError
	if err := json.Unmarshal(body, &api); err != nil || api.Msg == "" {
		api.Msg = strings.TrimSpace(string(body))
	}

	e := &Error{Method: method, Path: path, Status: status, Code: api.Code, Msg: api.Msg}
	rateLimit, ipBan := detectLimit(api.Msg)

	switch {
	case status == http.StatusTooManyRequests || status == http.StatusTeapot || rateLimit:
		e.Kind = RateLimited
		e.IPBanned = status == http.StatusTeapot || ipBan
		e.RetryAfter = retryAfter(header)
	case status == http.StatusUnauthorized || status == http.StatusForbidden,
		api.Code == codeInvalidSignature, api.Code == codeBadAPIKeyFormat, api.Code == codeRejectedMbxKey:
		e.Kind = AuthRejected
	case status >= 500:
		e.Kind = ServerError
	default:
		e.Kind = Rejected
	}
	return e
}

// detectLimit inspects the exchange message for rate limit or IP ban wording.
func detectLimit(msg string) (rateLimit bool, ipBan bool) {
	lowerMsg := strings.ToLower(msg)
	rateLimit = strings.Contains(lowerMsg, "too many requests") || strings.Contains(lowerMsg, "rate limit")
	ipBan = strings.Contains(lowerMsg, "ip") && strings.Contains(lowerMsg, "ban")
	return rateLimit || ipBan, ipBan
}

func retryAfter(header http.Header) time.Duration {
	v := header.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func asError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the REST error kind in err's chain, or zero.
func KindOf(err error) ErrorKind {
	if e, ok := asError(err); ok {
		return e.Kind
	}
	return 0
}

// IsDuplicateOrder reports an order rejected because its client order id
// is already known to the exchange. -2010 covers every new-order rejection,
// so the message has to name the duplicate.
func IsDuplicateOrder(err error) bool {
	e, ok := asError(err)
	return ok && e.Kind == Rejected && e.Code == codeNewOrderRejected &&
		strings.Contains(strings.ToLower(e.Msg), "duplicate order")
}

// IsUnknownOrder reports a cancel for an order the exchange does not hold.
func IsUnknownOrder(err error) bool {
	e, ok := asError(err)
	return ok && e.Kind == Rejected && e.Code == codeUnknownOrder
}
