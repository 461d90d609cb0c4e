package failure

import (
	"context"
	"errors"
	"io"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// now is replaced in tests.
var now = time.Now

type rule struct {
	kind      Kind
	severity  Severity
	retryable bool
	action    RecoveryAction
	markers   []string
}

// Indexes into rules; lower index wins.
const (
	ruleSession = iota
	ruleRateLimit
	ruleAuth
	ruleQuota
	rulePermission
	ruleValidation
	ruleNetwork
	ruleStorage
	ruleProcessing
	ruleUnknown
)

var rules = []rule{
	ruleSession: {
		kind: KindAuth, severity: SeverityLow, action: ActionLogin,
		markers: []string{
			"refresh token not found", "refresh_token_not_found", "invalid refresh token",
			"refresh token is invalid", "session expired", "session_expired", "session not found",
			"session_not_found", "auth session missing", "jwt expired",
		},
	},
	ruleRateLimit: {
		kind: KindQuota, severity: SeverityMedium, retryable: true,
		markers: []string{
			"rate limit", "rate_limit", "ratelimit", "too many requests",
			"over_request_rate_limit",
		},
	},
	ruleAuth: {
		kind: KindAuth, severity: SeverityHigh, action: ActionLogin,
		markers: []string{
			"unauthorized", "unauthenticated", "not authenticated", "invalid token",
			"invalid_token", "invalid login credentials", "jwt",
		},
	},
	ruleQuota: {
		kind: KindQuota, severity: SeverityHigh, action: ActionUpgrade,
		markers: []string{
			"quota", "limit", "trial expired", "trial_expired", "trial has ended",
			"upgrade required", "insufficient credits",
		},
	},
	rulePermission: {
		kind: KindPermission, severity: SeverityHigh, action: ActionNone,
		markers: []string{
			"permission", "forbidden", "not allowed", "access denied",
			"row-level security",
		},
	},
	ruleValidation: {
		kind: KindValidation, severity: SeverityMedium, action: ActionNone,
		markers: []string{
			"validation", "invalid", "constraint", "violates", "malformed",
			"required field", "must be",
		},
	},
	ruleNetwork: {
		kind: KindNetwork, severity: SeverityLow, retryable: true,
		markers: []string{
			"network", "connection", "timeout", "timed out", "abort", "fetch failed",
			"failed to fetch", "econnrefused", "econnreset", "offline", "no such host",
			"unreachable", "deadline exceeded", "unexpected eof", "socket",
		},
	},
	ruleStorage: {
		kind: KindStorage, severity: SeverityMedium, retryable: true,
		markers: []string{"storage", "upload", "file", "bucket", "disk"},
	},
	ruleProcessing: {
		kind: KindProcessing, severity: SeverityMedium, retryable: true,
		markers: []string{
			"processing", "process", "extract", "generat", "convert", "summar",
			"transcri", "parse",
		},
	},
	ruleUnknown: {
		kind: KindUnknown, severity: SeverityMedium, action: ActionNone,
	},
}

// Status codes in free text only count as whole words, so "file_1429.pdf"
// is not a rate limit.
var textStatus = regexp.MustCompile(`\b(401|403|429)\b`)

// Embedded codes carried by remote payloads (HTTP, PostgREST, Postgres, auth).
var codeRules = map[string]int{
	"refresh_token_not_found": ruleSession,
	"session_expired":         ruleSession,
	"session_not_found":       ruleSession,
	"over_request_rate_limit": ruleRateLimit,
	"429":                     ruleRateLimit,
	"bad_jwt":                 ruleAuth,
	"invalid_jwt":             ruleAuth,
	"PGRST301":                ruleAuth,
	"401":                     ruleAuth,
	"trial_expired":           ruleQuota,
	"quota_exceeded":          ruleQuota,
	"402":                     ruleQuota,
	"42501":                   rulePermission,
	"403":                     rulePermission,
	"23505":                   ruleValidation,
	"23514":                   ruleValidation,
	"23502":                   ruleValidation,
	"22P02":                   ruleValidation,
	"400":                     ruleValidation,
	"422":                     ruleValidation,
	"408":                     ruleNetwork,
	"502":                     ruleNetwork,
	"503":                     ruleNetwork,
	"504":                     ruleNetwork,
	"413":                     ruleStorage,
}

// Classify maps a raw error and its context to a structured error.
// It never panics and always returns a non-nil value. An error that is
// already classified keeps its classification and takes the new context.
func Classify(raw Raw, c Context) *Error {
	c.Timestamp = now()

	switch r := raw.(type) {
	case nil:
		return newError(KindUnknown, SeverityLow, false, ActionNone, "no error value", c, nil)
	case StringError:
		return classifyText(string(r), c, string(r))
	case ExceptionError:
		if r.Err == nil {
			return newError(KindUnknown, SeverityLow, false, ActionNone, "no error value", c, nil)
		}
		return classifyException(r.Err, c)
	case ObjectError:
		return classifyObject(r, c, r)
	}
	return build(ruleUnknown, c, "unrecognized error shape", raw)
}

func classifyException(err error, c Context) *Error {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.restamp(c)
	}

	var shaped ObjectShaped
	if errors.As(err, &shaped) {
		return classifyObject(shaped.ErrorObject(), c, err)
	}

	if e, ok := classifyGRPC(err, c); ok {
		return e
	}

	// Transport failures carry URLs in their text; do not match markers on them.
	if isTransport(err) {
		return build(ruleNetwork, c, err.Error(), err)
	}

	return classifyText(err.Error(), c, err)
}

func classifyObject(o ObjectError, c Context, original any) *Error {
	if o.Error != "" {
		return classifyText(o.Error, c, original)
	}

	idx := matchText(strings.ToLower(o.Message))
	if r, ok := codeRules[o.Code]; ok {
		idx = min(idx, r)
	}
	if o.Status != 0 {
		if r, ok := statusRule(o.Status); ok {
			idx = min(idx, r)
		}
	}
	return build(idx, c, o.text(), original)
}

func classifyText(msg string, c Context, original any) *Error {
	return build(matchText(strings.ToLower(msg)), c, msg, original)
}

func matchText(lower string) int {
	idx := ruleUnknown
	if m := textStatus.FindString(lower); m != "" {
		code, _ := strconv.Atoi(m)
		if r, ok := statusRule(code); ok {
			idx = r
		}
	}
	for i, r := range rules[:idx] {
		for _, m := range r.markers {
			if strings.Contains(lower, m) {
				return i
			}
		}
	}
	return idx
}

func statusRule(status int) (int, bool) {
	switch {
	case status == 401:
		return ruleAuth, true
	case status == 402:
		return ruleQuota, true
	case status == 403:
		return rulePermission, true
	case status == 408:
		return ruleNetwork, true
	case status == 413:
		return ruleStorage, true
	case status == 429:
		return ruleRateLimit, true
	case status == 400 || status == 422:
		return ruleValidation, true
	case status == 502 || status == 503 || status == 504:
		return ruleNetwork, true
	}
	return 0, false
}

func build(idx int, c Context, technical string, original any) *Error {
	r := rules[idx]
	if idx == ruleRateLimit && strings.Contains(strings.ToLower(c.Operation), "refresh") {
		// A throttled session refresh must not be retried into a storm.
		return newError(r.kind, SeverityLow, false, ActionNone, technical, c, original)
	}
	return newError(r.kind, r.severity, r.retryable, r.action, technical, c, original)
}

func isTransport(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) ||
		errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}
