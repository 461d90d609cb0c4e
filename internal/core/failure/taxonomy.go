// Package failure turns raw errors into structured, severity-ranked errors.
//
// Every error that crosses a component boundary is passed through Classify
// before anything decides what to do with it. The result carries a Kind,
// a Severity, a RecoveryAction and whether an automatic retry makes sense:
//
//	err := failure.Classify(failure.FromValue(raw), failure.Context{Operation: "upload_material"})
//	if err.Retryable() {
//	    // schedule a retry, do not bother the user yet
//	}
//
// Classification is a pure function of the raw error and the context
// operation. Only the context timestamp differs between two calls.
package failure

// Kind is the broad category of a failure.
type Kind string

const (
	KindNetwork    Kind = "network"
	KindAuth       Kind = "auth"
	KindValidation Kind = "validation"
	KindQuota      Kind = "quota"
	KindProcessing Kind = "processing"
	KindPermission Kind = "permission"
	KindStorage    Kind = "storage"
	KindUnknown    Kind = "unknown"
)

// Severity is ordered: SeverityLow < SeverityMedium < SeverityHigh < SeverityCritical.
type Severity int

const (
	// SeverityLow is silent or auto-recoverable.
	SeverityLow Severity = iota
	// SeverityMedium warrants a non-blocking notice.
	SeverityMedium
	// SeverityHigh blocks the action that triggered it.
	SeverityHigh
	// SeverityCritical breaks the app.
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// RecoveryAction is the single suggested next step for a failure.
type RecoveryAction string

const (
	ActionRetry   RecoveryAction = "retry"
	ActionLogin   RecoveryAction = "login"
	ActionUpgrade RecoveryAction = "upgrade"
	ActionRefresh RecoveryAction = "refresh"
	ActionNone    RecoveryAction = "none"
)
