package events

import (
	"errors"
	"fmt"
)

const (
	// KindComplianceFlag identifies a detected compliance violation.
	KindComplianceFlag Kind = "compliance_flag"
	// KindPerformanceAlert identifies a breached latency target.
	KindPerformanceAlert Kind = "performance_alert"
	// KindError identifies a failed stage that fell back to a safe response.
	KindError Kind = "error"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

func (s Severity) valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Stage names used by flags, alerts and errors.
const (
	StagePreCheck   = "pre_check"
	StagePostCheck  = "post_check"
	StageAsync      = "async"
	StageTranscribe = "transcribe"
	StageGenerate   = "generate"
	StageSynthesize = "synthesize"
)

// Producers of derived events.
const (
	SourceOrchestrator = "orchestrator"
	SourceValidator    = "compliance_validator"
	SourceMonitor      = "performance_monitor"
)

// ComplianceFlag records a prohibited pattern found in a turn. Flags are
// informational; they never carry an error.
type ComplianceFlag struct {
	ViolationType  string   `json:"violation_type"`
	Severity       Severity `json:"severity"`
	MatchedPattern string   `json:"matched_pattern,omitempty"`
	Stage          string   `json:"stage"`
	Source         string   `json:"source"`
	// SourceEventID points at the event that was scanned, when there is one.
	SourceEventID string `json:"source_event_id,omitempty"`
}

func (ComplianceFlag) Kind() Kind { return KindComplianceFlag }

func (p ComplianceFlag) validate() error {
	if p.ViolationType == "" {
		return errors.New("missing violation type")
	}
	if !p.Severity.valid() {
		return fmt.Errorf("unknown severity %q", p.Severity)
	}
	if p.Stage == "" || p.Source == "" {
		return errors.New("missing stage or source")
	}
	return nil
}

// PerformanceAlert describes a latency breach and the stage that dominated it.
type PerformanceAlert struct {
	DominantStage string `json:"dominant_stage,omitempty"`
	TotalMS       int64  `json:"total_ms"`
	TargetMS      int64  `json:"target_ms"`
	TranscribeMS  int64  `json:"transcribe_ms,omitempty"`
	GenerateMS    int64  `json:"generate_ms,omitempty"`
	SynthesizeMS  int64  `json:"synthesize_ms,omitempty"`
	Bucket        string `json:"bucket,omitempty"`
	Source        string `json:"source"`
}

func (PerformanceAlert) Kind() Kind { return KindPerformanceAlert }

func (p PerformanceAlert) validate() error {
	if p.TargetMS <= 0 {
		return errors.New("target must be positive")
	}
	if p.TotalMS < 0 || p.TranscribeMS < 0 || p.GenerateMS < 0 || p.SynthesizeMS < 0 {
		return errors.New("negative duration")
	}
	if p.Source == "" {
		return errors.New("missing source")
	}
	return nil
}

// Error records a stage failure and the fallback that replaced its output.
type Error struct {
	Stage    string `json:"stage"`
	Message  string `json:"message"`
	Fallback string `json:"fallback,omitempty"`
}

func (Error) Kind() Kind { return KindError }

func (p Error) validate() error {
	if p.Stage == "" {
		return errors.New("missing stage")
	}
	return nil
}
