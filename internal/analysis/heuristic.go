package analysis

import "strings"

// Marker phrases for the deterministic fallback. First-person markers signal
// the sender describing their own state; second-person markers signal motive
// attribution. Both English and Chinese phrasings are covered because rooms
// mix locales.
var (
	firstPersonMarkers = []string{
		"i feel", "i felt", "i think", "i noticed", "i observed",
		"i hope", "i need", "i would like", "i'm",
		"我感到", "我觉得", "我观察到", "我希望", "我需要", "我认为",
	}
	secondPersonMarkers = []string{
		"you always", "you never", "you just", "you should", "you must",
		"you don't care", "you're just",
		"你总是", "你从不", "你就是", "你应该", "你必须",
	}
)

// HeuristicAnalyze is the local fallback classifier. It is pure string
// matching over fixed marker sets and always returns a structurally valid
// Result: accusatory markers without any first-person marker read as a
// violation at medium risk, everything else as compliant at low risk.
func HeuristicAnalyze(text string) Result {
	lowered := strings.ToLower(text)

	firstPerson := containsAny(lowered, firstPersonMarkers)
	accusatory := containsAny(lowered, secondPersonMarkers)

	if accusatory && !firstPerson {
		return Result{
			Verdict:        VerdictViolation,
			SenderState:    "Appears to be judging or second-guessing the other party",
			ReceiverImpact: "Likely to feel criticized or misread",
			Evidence:       "Detected judgmental second-person phrasing",
			Suggestion:     "Try an \"I\" statement focused on your own feelings and observations",
			Risk:           RiskMedium,
		}
	}

	return Result{
		Verdict:        VerdictCompliant,
		SenderState:    "Expressing own feelings and observations",
		ReceiverImpact: "A relatively constructive communication experience",
		Evidence:       "Uses self-directed phrasing without motive attribution",
		Suggestion:     "Keep communicating this way",
		Risk:           RiskLow,
	}
}

func containsAny(lowered string, markers []string) bool {
	for _, marker := range markers {
		if strings.Contains(lowered, marker) {
			return true
		}
	}
	return false
}
