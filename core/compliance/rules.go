// Package compliance holds the prohibited-intent and advice-language pattern
// sets shared by the live pre/post checks and the background validator.
//
// Every rule belongs to a tier. Inline rules are cheap enough for the live
// path and are evaluated on every turn; deep rules are only evaluated by the
// background validator, which also re-runs the inline rules.
package compliance

import (
	"regexp"
	"slices"
	"strings"
	"unicode"

	"github.com/koscakluka/ema-intake/core/events"
)

const (
	ViolationProhibitedLegalAdviceRequest = "prohibited_legal_advice_request"
	ViolationConfidentialDisclosure       = "confidential_disclosure"
	ViolationAdviceLanguage               = "advice_language"
	ViolationOutcomeGuarantee             = "outcome_guarantee"
	ViolationFeeQuote                     = "unauthorized_fee_quote"
)

// RedirectResponse replaces generation when the caller asks for legal advice
// or discloses a confidential identifier.
const RedirectResponse = "I'm not able to give legal advice over the phone, and please don't share " +
	"sensitive numbers on this call. I can take down the details and have an attorney from the firm " +
	"contact you. Would that be all right?"

type Tier int

const (
	TierInline Tier = iota
	TierDeep
)

// Scope tells whose words a rule applies to.
type Scope int

const (
	ScopeRequest Scope = iota
	ScopeResponse
)

type Rule struct {
	Name          string
	ViolationType string
	Severity      events.Severity
	Tier          Tier
	Scope         Scope

	pattern *regexp.Regexp
}

func newRule(name, violationType string, severity events.Severity, tier Tier, scope Scope, pattern string) Rule {
	return Rule{
		Name:          name,
		ViolationType: violationType,
		Severity:      severity,
		Tier:          tier,
		Scope:         scope,
		pattern:       regexp.MustCompile(`(?i)` + pattern),
	}
}

var rules = []Rule{
	// caller asking for advice
	newRule("what_should_i_do", ViolationProhibitedLegalAdviceRequest, events.SeverityHigh, TierInline, ScopeRequest,
		`\bwhat (should|do you think) i (should )?do\b`),
	newRule("should_i_act", ViolationProhibitedLegalAdviceRequest, events.SeverityHigh, TierInline, ScopeRequest,
		`\bshould i (sue|settle|sign|plead|file|accept|testify|appeal|countersue)\b`),
	newRule("give_me_advice", ViolationProhibitedLegalAdviceRequest, events.SeverityHigh, TierInline, ScopeRequest,
		`\b(can|could|would) you (give|tell|offer) me (some |any )?(legal )?advice\b`),
	newRule("is_it_legal", ViolationProhibitedLegalAdviceRequest, events.SeverityMedium, TierInline, ScopeRequest,
		`\bis it (il)?legal (for me )?to\b`),
	newRule("do_i_have_a_case", ViolationProhibitedLegalAdviceRequest, events.SeverityMedium, TierInline, ScopeRequest,
		`\bdo i have a (good |strong |real )?case\b`),
	newRule("what_are_my_rights", ViolationProhibitedLegalAdviceRequest, events.SeverityMedium, TierInline, ScopeRequest,
		`\bwhat are my (legal )?(rights|options|chances)\b`),

	// caller disclosing identifiers
	newRule("ssn", ViolationConfidentialDisclosure, events.SeverityCritical, TierInline, ScopeRequest,
		`\b\d{3}[- ]\d{2}[- ]\d{4}\b`),
	newRule("payment_card", ViolationConfidentialDisclosure, events.SeverityHigh, TierInline, ScopeRequest,
		`\b(?:\d{4}[- ]){3}\d{4}\b`),

	// assistant giving advice
	newRule("you_should_act", ViolationAdviceLanguage, events.SeverityMedium, TierInline, ScopeResponse,
		`\byou should (sue|settle|sign|file|plead|accept|not|definitely)\b`),
	newRule("my_advice", ViolationAdviceLanguage, events.SeverityMedium, TierInline, ScopeResponse,
		`\bmy (legal )?advice (is|would be)\b`),
	newRule("i_recommend_you", ViolationAdviceLanguage, events.SeverityMedium, TierInline, ScopeResponse,
		`\bi (would )?(recommend|advise) (that )?you\b`),
	newRule("legally_you", ViolationAdviceLanguage, events.SeverityMedium, TierInline, ScopeResponse,
		`\blegally,? you (must|should|can|cannot|can't)\b`),

	// deep only
	newRule("how_do_i_beat", ViolationProhibitedLegalAdviceRequest, events.SeverityMedium, TierDeep, ScopeRequest,
		`\bhow (do|can|should) i (get out of|avoid|beat|fight|win) (a|the|my)\b`),
	newRule("account_number", ViolationConfidentialDisclosure, events.SeverityCritical, TierDeep, ScopeRequest,
		`\b(account|routing) (number|no\.?)( is|:)?\s*\d{6,}\b`),
	newRule("date_of_birth", ViolationConfidentialDisclosure, events.SeverityMedium, TierDeep, ScopeRequest,
		`\b(dob|date of birth)\b`),
	newRule("drivers_license", ViolationConfidentialDisclosure, events.SeverityHigh, TierDeep, ScopeRequest,
		`\bdriver'?s licen[cs]e (number|no\.?)\b`),
	newRule("if_i_were_you", ViolationAdviceLanguage, events.SeverityMedium, TierDeep, ScopeResponse,
		`\bif i were you\b`),
	newRule("outcome_guarantee", ViolationOutcomeGuarantee, events.SeverityHigh, TierDeep, ScopeResponse,
		`\b(guarantee|guaranteed|promise)\b.{0,40}\b(win|outcome|result|settlement|verdict)\b`),
	newRule("you_will_win", ViolationOutcomeGuarantee, events.SeverityHigh, TierDeep, ScopeResponse,
		`\byou (will|would) (definitely |certainly |surely )?win\b`),
	newRule("fee_quote", ViolationFeeQuote, events.SeverityMedium, TierDeep, ScopeResponse,
		`\b(it|that|this) (will|would) cost (you )?(about |around )?\$?\d+`),
}

var escalationCues = regexp.MustCompile(`(?i)\b(arrested|in custody|in jail|court date|emergency|restraining order|being evicted|eviction notice|(deadline|hearing) is (today|tomorrow))\b`)

// Rules returns a copy of every rule in declaration order.
func Rules() []Rule { return slices.Clone(rules) }

// Finding is one rule matching a piece of text. Match is lower-cased and
// every digit but the last four is masked, so identifiers never leave the
// process in full.
type Finding struct {
	Rule
	Match string
}

// Classifier scans text against a fixed subset of rules.
type Classifier struct {
	rules []Rule
}

func NewClassifier(rules ...Rule) Classifier {
	return Classifier{rules: slices.Clone(rules)}
}

func selectRules(keep func(Rule) bool) Classifier {
	var selected []Rule
	for _, rule := range rules {
		if keep(rule) {
			selected = append(selected, rule)
		}
	}
	return Classifier{rules: selected}
}

// InlineRequest is the live pre-check: prohibited intents in caller speech.
func InlineRequest() Classifier {
	return selectRules(func(r Rule) bool { return r.Tier == TierInline && r.Scope == ScopeRequest })
}

// InlineResponse is the live post-check: advice language in generated text.
func InlineResponse() Classifier {
	return selectRules(func(r Rule) bool { return r.Tier == TierInline && r.Scope == ScopeResponse })
}

// DeepRequest covers every request rule of both tiers.
func DeepRequest() Classifier {
	return selectRules(func(r Rule) bool { return r.Scope == ScopeRequest })
}

// DeepResponse covers every response rule of both tiers.
func DeepResponse() Classifier {
	return selectRules(func(r Rule) bool { return r.Scope == ScopeResponse })
}

func (c Classifier) Len() int { return len(c.rules) }

// Scan returns every matching rule, most severe first. Rules of equal
// severity keep declaration order.
func (c Classifier) Scan(text string) []Finding {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	var findings []Finding
	for _, rule := range c.rules {
		if match := rule.pattern.FindString(text); match != "" {
			findings = append(findings, Finding{Rule: rule, Match: maskDigits(strings.ToLower(match))})
		}
	}
	slices.SortStableFunc(findings, func(a, b Finding) int {
		return severityRank(b.Severity) - severityRank(a.Severity)
	})
	return findings
}

// First returns the most severe finding.
func (c Classifier) First(text string) (Finding, bool) {
	findings := c.Scan(text)
	if len(findings) == 0 {
		return Finding{}, false
	}
	return findings[0], true
}

func maskDigits(match string) string {
	digits := 0
	for _, r := range match {
		if unicode.IsDigit(r) {
			digits++
		}
	}

	masked := []rune(match)
	for i, r := range masked {
		if !unicode.IsDigit(r) {
			continue
		}
		if digits > 4 {
			masked[i] = '*'
		}
		digits--
	}
	return string(masked)
}

// RequiresEscalation reports whether caller speech carries an urgency cue that
// an attorney should see before the next business day.
func RequiresEscalation(text string) bool {
	return escalationCues.MatchString(text)
}

func severityRank(s events.Severity) int {
	switch s {
	case events.SeverityCritical:
		return 3
	case events.SeverityHigh:
		return 2
	case events.SeverityMedium:
		return 1
	}
	return 0
}
