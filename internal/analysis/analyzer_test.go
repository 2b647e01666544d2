package analysis

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type stubInferenceClient struct {
	completion string
	err        error
	lastSystem string
	lastUser   string
}

func (c *stubInferenceClient) Complete(_ context.Context, systemPrompt, userPrompt string) (string, error) {
	c.lastSystem = systemPrompt
	c.lastUser = userPrompt
	if c.err != nil {
		return "", c.err
	}
	return c.completion, nil
}

const wellFormedCompletion = `{"crossed_boundary":"yes","sender_state":"frustrated","receiver_impact":"feels blamed","evidence":"second-person attribution","suggestion":"describe your own feeling","risk":"high"}`

func TestAnalyzePrefersInferenceResult(t *testing.T) {
	client := &stubInferenceClient{completion: wellFormedCompletion}
	analyzer := NewAnalyzer(AnalyzerConfig{Client: client})

	result := analyzer.Analyze(context.Background(), []Turn{{Sender: "Ada", Text: "hi"}}, Subject{
		Sender:   "Ben",
		Receiver: "Ada",
		Text:     "You always do this",
	}, "")

	if result.Verdict != VerdictViolation {
		t.Fatalf("expected violation from inference, got %q", result.Verdict)
	}
	if result.Risk != RiskHigh {
		t.Fatalf("expected high risk, got %q", result.Risk)
	}
	if !strings.Contains(client.lastUser, "You always do this") {
		t.Fatalf("expected latest message in user prompt, got %q", client.lastUser)
	}
	if !strings.Contains(client.lastUser, "Ada: hi") {
		t.Fatalf("expected history in user prompt, got %q", client.lastUser)
	}
}

func TestAnalyzeFallsBackOnClientError(t *testing.T) {
	client := &stubInferenceClient{err: errors.New("upstream down")}
	analyzer := NewAnalyzer(AnalyzerConfig{Client: client})

	result := analyzer.Analyze(context.Background(), nil, Subject{Sender: "Ben", Text: "You never help"}, "")
	if result.Verdict != VerdictViolation {
		t.Fatalf("expected heuristic verdict, got %q", result.Verdict)
	}
	if result.Risk != RiskMedium {
		t.Fatalf("expected heuristic medium risk, got %q", result.Risk)
	}
}

func TestAnalyzeFallsBackOnMalformedCompletion(t *testing.T) {
	client := &stubInferenceClient{completion: "I cannot answer in JSON, sorry."}
	analyzer := NewAnalyzer(AnalyzerConfig{Client: client})

	result := analyzer.Analyze(context.Background(), nil, Subject{Sender: "Ben", Text: "I feel tired"}, "")
	if result.Verdict != VerdictCompliant {
		t.Fatalf("expected heuristic compliant verdict, got %q", result.Verdict)
	}
}

func TestAnalyzeWithoutClientUsesHeuristic(t *testing.T) {
	analyzer := NewAnalyzer(AnalyzerConfig{})
	result := analyzer.Analyze(context.Background(), nil, Subject{Sender: "Ben", Text: "you should apologize"}, "")
	if result.Verdict != VerdictViolation {
		t.Fatalf("expected heuristic violation, got %q", result.Verdict)
	}
}

func TestParseInferenceResultToleratesWrappedJSON(t *testing.T) {
	wrapped := "Here is my judgment:\n```json\n" + wellFormedCompletion + "\n```\nThanks."
	result, err := parseInferenceResult(wrapped)
	if err != nil {
		t.Fatalf("expected wrapped JSON to parse, got %v", err)
	}
	if result.Verdict != VerdictViolation || result.Risk != RiskHigh {
		t.Fatalf("unexpected parsed result: %+v", result)
	}
}

func TestParseInferenceResultRejectsMalformedPayloads(t *testing.T) {
	cases := []string{
		"no json here",
		`{"crossed_boundary":"maybe","sender_state":"a","receiver_impact":"b","evidence":"c","suggestion":"d","risk":"low"}`,
		`{"crossed_boundary":"yes","sender_state":"","receiver_impact":"b","evidence":"c","suggestion":"d","risk":"low"}`,
		`{"crossed_boundary":}`,
	}
	for _, completion := range cases {
		if _, err := parseInferenceResult(completion); !errors.Is(err, ErrMalformedAnalysisResponse) {
			t.Fatalf("expected ErrMalformedAnalysisResponse for %q, got %v", completion, err)
		}
	}
}

func TestParseVerdictAcceptsBothLocales(t *testing.T) {
	cases := map[string]Verdict{
		"yes": VerdictViolation,
		"YES": VerdictViolation,
		"是":   VerdictViolation,
		"no":  VerdictCompliant,
		"否":   VerdictCompliant,
	}
	for raw, want := range cases {
		verdict, err := parseVerdict(raw)
		if err != nil {
			t.Fatalf("parseVerdict(%q) failed: %v", raw, err)
		}
		if verdict != want {
			t.Fatalf("parseVerdict(%q) = %q, want %q", raw, verdict, want)
		}
	}
}
