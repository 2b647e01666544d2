// Package analysis classifies chat messages against the tennis-court
// communication rubric: statements about the sender's own feelings and
// observations stay on the sender's side of the net, while motive
// attribution aimed at the other party crosses it.
package analysis

import "strings"

// Verdict is the binary boundary-violation outcome.
type Verdict string

const (
	// VerdictCompliant marks a message that stayed on the sender's side.
	VerdictCompliant Verdict = "compliant"
	// VerdictViolation marks a message that crossed the net.
	VerdictViolation Verdict = "violation"
)

// Risk tiers the likely conflict impact of a message, ordered low < medium < high.
type Risk string

const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

// ParseRisk normalizes free text into a Risk, defaulting unknown values to
// medium so a sloppy inference response never widens or narrows scoring.
func ParseRisk(raw string) Risk {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "low", "低":
		return RiskLow
	case "high", "高":
		return RiskHigh
	default:
		return RiskMedium
	}
}

// Result is the structured outcome of analyzing one message.
type Result struct {
	Verdict        Verdict
	SenderState    string
	ReceiverImpact string
	Evidence       string
	Suggestion     string
	Risk           Risk
}

// Turn is one prior message handed to the analyzer as context.
type Turn struct {
	Sender string
	Text   string
	TimeS  int64
}

// Subject is the message under analysis.
type Subject struct {
	Sender   string
	Receiver string
	Text     string
}
