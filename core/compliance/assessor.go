package compliance

import (
	"context"
	"fmt"

	"github.com/koscakluka/ema-intake/core/events"
	"github.com/koscakluka/ema-intake/core/llms/groq"
)

// Assessor judges generated text the pattern rules cannot, such as advice
// phrased without any of the usual cues.
type Assessor interface {
	Assess(ctx context.Context, text string) (Assessment, error)
}

type Assessment struct {
	GivesLegalAdvice bool   `json:"gives_legal_advice" jsonschema:"description=True if the text tells the caller what to do about a legal matter or predicts an outcome"`
	Severity         string `json:"severity" jsonschema:"enum=low,enum=medium,enum=high"`
	Quote            string `json:"quote" jsonschema:"description=The shortest phrase that gives advice, empty when none"`
}

const assessorInstructions = `You review what a law firm's phone receptionist said to a caller.
The receptionist must never give legal advice, predict the outcome of a case, or quote fees.
Decide whether the text breaks that rule and answer only with the requested JSON.`

// Finding converts a positive assessment into a deep-tier response finding.
func (a Assessment) Finding() (Finding, bool) {
	if !a.GivesLegalAdvice {
		return Finding{}, false
	}

	severity := events.Severity(a.Severity)
	switch severity {
	case events.SeverityLow, events.SeverityMedium, events.SeverityHigh:
	default:
		severity = events.SeverityMedium
	}
	return Finding{
		Rule: Rule{
			Name:          "llm_assessment",
			ViolationType: ViolationAdviceLanguage,
			Severity:      severity,
			Tier:          TierDeep,
			Scope:         ScopeResponse,
		},
		Match: a.Quote,
	}, true
}

// LLMAssessor asks a Groq model for a structured assessment.
type LLMAssessor struct {
	client *groq.Client
}

func NewLLMAssessor(client *groq.Client) *LLMAssessor {
	return &LLMAssessor{client: client}
}

func (a *LLMAssessor) Assess(ctx context.Context, text string) (Assessment, error) {
	assessment, err := groq.PromptJSONSchema[Assessment](ctx, a.client, text, assessorInstructions)
	if err != nil {
		return Assessment{}, fmt.Errorf("failed to assess response: %w", err)
	}
	return *assessment, nil
}
