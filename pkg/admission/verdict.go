package admission

import (
	"time"

	"github.com/cecil-the-coder/groq-client-kit/pkg/types"
)

// VerdictKind is the outcome of an admission check.
type VerdictKind int

const (
	// Go means the request may be sent now.
	Go VerdictKind = iota

	// Wait means quota is exhausted but expected back after Wait.
	Wait

	// Reject means the request must not be sent; Reason explains why.
	Reject
)

// String returns the kind's name for logging.
func (k VerdictKind) String() string {
	switch k {
	case Go:
		return "go"
	case Wait:
		return "wait"
	case Reject:
		return "reject"
	}
	return "unknown"
}

// Verdict is the result of evaluating a request against the model catalog,
// token limits, and rate limit quotas. Exactly one of the three kinds
// applies: a Go verdict carries nothing extra, a Wait verdict carries the
// expected wait, and a Reject verdict carries the reason.
type Verdict struct {
	Kind   VerdictKind
	Wait   time.Duration
	Reason *types.ClientError
}

// Admitted reports whether the request may proceed immediately.
func (v Verdict) Admitted() bool { return v.Kind == Go }

// Err returns the rejection reason as an error, or nil for Go and Wait
// verdicts.
func (v Verdict) Err() error {
	if v.Kind == Reject && v.Reason != nil {
		return v.Reason
	}
	return nil
}

func admit() Verdict { return Verdict{Kind: Go} }

func wait(d time.Duration) Verdict { return Verdict{Kind: Wait, Wait: d} }

func reject(reason *types.ClientError) Verdict { return Verdict{Kind: Reject, Reason: reason} }
