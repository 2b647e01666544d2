package analysis

import "testing"

func TestHeuristicFlagsAccusatoryPhrasing(t *testing.T) {
	result := HeuristicAnalyze("You never listen to me")
	if result.Verdict != VerdictViolation {
		t.Fatalf("expected violation, got %q", result.Verdict)
	}
	if result.Risk != RiskMedium {
		t.Fatalf("expected medium risk, got %q", result.Risk)
	}
	if result.Suggestion == "" || result.Evidence == "" {
		t.Fatalf("expected populated coaching fields: %+v", result)
	}
}

func TestHeuristicAcceptsFirstPersonPhrasing(t *testing.T) {
	result := HeuristicAnalyze("I feel uneasy about how the evening went")
	if result.Verdict != VerdictCompliant {
		t.Fatalf("expected compliant, got %q", result.Verdict)
	}
	if result.Risk != RiskLow {
		t.Fatalf("expected low risk, got %q", result.Risk)
	}
}

func TestHeuristicFirstPersonOutweighsAccusation(t *testing.T) {
	// Mixed phrasing reads as self-expression, not attribution.
	result := HeuristicAnalyze("I feel hurt because you never call")
	if result.Verdict != VerdictCompliant {
		t.Fatalf("expected compliant for mixed phrasing, got %q", result.Verdict)
	}
}

func TestHeuristicHandlesChinesePhrasing(t *testing.T) {
	violation := HeuristicAnalyze("你总是忽略我说的话")
	if violation.Verdict != VerdictViolation {
		t.Fatalf("expected violation for accusatory Chinese phrasing, got %q", violation.Verdict)
	}
	compliant := HeuristicAnalyze("我感到有些委屈")
	if compliant.Verdict != VerdictCompliant {
		t.Fatalf("expected compliant for first-person Chinese phrasing, got %q", compliant.Verdict)
	}
}

func TestHeuristicNeutralTextIsCompliant(t *testing.T) {
	for _, text := range []string{"", "ok", "what time works for you?"} {
		result := HeuristicAnalyze(text)
		if result.Verdict != VerdictCompliant {
			t.Fatalf("expected compliant for %q, got %q", text, result.Verdict)
		}
	}
}

func TestParseRiskNormalization(t *testing.T) {
	cases := map[string]Risk{
		"low":     RiskLow,
		" LOW ":   RiskLow,
		"低":       RiskLow,
		"high":    RiskHigh,
		"高":       RiskHigh,
		"medium":  RiskMedium,
		"unknown": RiskMedium,
		"":        RiskMedium,
	}
	for raw, want := range cases {
		if got := ParseRisk(raw); got != want {
			t.Fatalf("ParseRisk(%q) = %q, want %q", raw, got, want)
		}
	}
}
