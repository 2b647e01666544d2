package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// ErrMalformedAnalysisResponse indicates the inference result could not be
// parsed into the expected structured fields.
var ErrMalformedAnalysisResponse = errors.New("analysis: malformed inference response")

const systemPrompt = `You judge whether the latest message in a two-person chat "crosses the net": instead of describing the sender's own feelings or observable facts, it attributes motives, thoughts, or character to the other person.

Compliant: first-person statements about the sender's own feelings, needs, and observations ("I feel...", "I noticed...", "I hope..."), and genuine questions.
Violation: second-person judgments and motive attribution ("you always...", "you never...", "you just want...", "you should..."), stating guesses about the other person as facts.

Respond with exactly one JSON object and no other text:
{"crossed_boundary":"yes"|"no","sender_state":"...","receiver_impact":"...","evidence":"...","suggestion":"...","risk":"low"|"medium"|"high"}`

type inferenceResult struct {
	CrossedBoundary string `json:"crossed_boundary"`
	SenderState     string `json:"sender_state"`
	ReceiverImpact  string `json:"receiver_impact"`
	Evidence        string `json:"evidence"`
	Suggestion      string `json:"suggestion"`
	Risk            string `json:"risk"`
}

// AnalyzerConfig describes the analyzer's dependencies. A nil Client means
// every analysis takes the heuristic path.
type AnalyzerConfig struct {
	Client InferenceClient
	Logger *zap.Logger
}

// Analyzer classifies messages, preferring the external inference service
// and degrading to the deterministic heuristic on any failure. It holds no
// state and persists nothing.
type Analyzer struct {
	client InferenceClient
	logger *zap.Logger
}

// NewAnalyzer constructs an Analyzer.
func NewAnalyzer(cfg AnalyzerConfig) *Analyzer {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Analyzer{client: cfg.Client, logger: logger}
}

// Analyze classifies the latest message given the conversation history. It
// always returns a structurally valid Result: primary-path failures are
// logged and answered by the heuristic.
func (a *Analyzer) Analyze(ctx context.Context, history []Turn, latest Subject, relationshipContext string) Result {
	result, err := a.analyzeWithInference(ctx, history, latest, relationshipContext)
	if err != nil {
		if !errors.Is(err, ErrInferenceNotConfigured) {
			a.logger.Warn("inference analysis failed, using heuristic",
				zap.Error(err),
				zap.String("sender", latest.Sender))
		}
		return HeuristicAnalyze(latest.Text)
	}
	return result
}

func (a *Analyzer) analyzeWithInference(ctx context.Context, history []Turn, latest Subject, relationshipContext string) (Result, error) {
	if a.client == nil {
		return Result{}, ErrInferenceNotConfigured
	}

	completion, err := a.client.Complete(ctx, systemPrompt, buildUserPrompt(history, latest, relationshipContext))
	if err != nil {
		return Result{}, err
	}
	return parseInferenceResult(completion)
}

func buildUserPrompt(history []Turn, latest Subject, relationshipContext string) string {
	var builder strings.Builder
	builder.WriteString("Conversation history:\n")
	for _, turn := range history {
		fmt.Fprintf(&builder, "%s: %s\n", turn.Sender, turn.Text)
	}
	if relationshipContext == "" {
		relationshipContext = "none"
	}
	fmt.Fprintf(&builder, "\nSender: %s\nReceiver: %s\nLatest message: %s\nRelationship context: %s\n",
		latest.Sender, latest.Receiver, latest.Text, relationshipContext)
	builder.WriteString("\nJudge whether the latest message crosses the net.")
	return builder.String()
}

func parseInferenceResult(completion string) (Result, error) {
	// Tolerate completions that wrap the object in prose or code fences.
	start := strings.Index(completion, "{")
	end := strings.LastIndex(completion, "}")
	if start < 0 || end <= start {
		return Result{}, fmt.Errorf("%w: no JSON object", ErrMalformedAnalysisResponse)
	}

	var raw inferenceResult
	if err := json.Unmarshal([]byte(completion[start:end+1]), &raw); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrMalformedAnalysisResponse, err)
	}

	verdict, err := parseVerdict(raw.CrossedBoundary)
	if err != nil {
		return Result{}, err
	}
	if raw.SenderState == "" || raw.ReceiverImpact == "" || raw.Evidence == "" || raw.Suggestion == "" || raw.Risk == "" {
		return Result{}, fmt.Errorf("%w: missing required fields", ErrMalformedAnalysisResponse)
	}

	return Result{
		Verdict:        verdict,
		SenderState:    raw.SenderState,
		ReceiverImpact: raw.ReceiverImpact,
		Evidence:       raw.Evidence,
		Suggestion:     raw.Suggestion,
		Risk:           ParseRisk(raw.Risk),
	}, nil
}

func parseVerdict(raw string) (Verdict, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "yes", "是":
		return VerdictViolation, nil
	case "no", "否":
		return VerdictCompliant, nil
	default:
		return "", fmt.Errorf("%w: unknown verdict %q", ErrMalformedAnalysisResponse, raw)
	}
}
