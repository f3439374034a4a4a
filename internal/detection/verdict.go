// Package detection runs one classification cycle for a session: upload the
// still, classify it, log the outcome and, when the baby is out of the crib,
// upload the clip and notify the session's accounts.
package detection

// Kind is the classifier outcome. The numeric values are the ids reported to
// clients of the predict endpoint.
type Kind int

const (
	Indeterminate Kind = -1
	NotInCrib     Kind = 0
	InCrib        Kind = 1
)

// Verdict is a classification result. Reason is set for Indeterminate.
type Verdict struct {
	Kind   Kind
	Reason string
}

func InCribVerdict() Verdict    { return Verdict{Kind: InCrib} }
func NotInCribVerdict() Verdict { return Verdict{Kind: NotInCrib} }

// IndeterminateVerdict wraps a classifier failure.
func IndeterminateVerdict(reason string) Verdict {
	return Verdict{Kind: Indeterminate, Reason: reason}
}

// Text is the log entry text for the verdict.
func (v Verdict) Text() string {
	switch v.Kind {
	case InCrib:
		return "Baby is in crib"
	case NotInCrib:
		return "Baby is not in crib"
	default:
		return "Error " + v.Reason
	}
}

// LocalizedText is the Vietnamese message shown in the mobile app.
func (v Verdict) LocalizedText() string {
	switch v.Kind {
	case InCrib:
		return "Trẻ đang an toàn"
	case NotInCrib:
		return "Trẻ không an toàn"
	default:
		return ""
	}
}

// String returns a stable label for metrics and logs.
func (v Verdict) String() string {
	switch v.Kind {
	case InCrib:
		return "in_crib"
	case NotInCrib:
		return "not_in_crib"
	default:
		return "indeterminate"
	}
}
