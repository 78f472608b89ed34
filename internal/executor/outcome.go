package executor

import "time"

// FeedbackKind classifies a piece of feedback about an attempt.
type FeedbackKind string

const (
	FeedbackValidationError    FeedbackKind = "validation_error"
	FeedbackLowConfidence      FeedbackKind = "low_confidence"
	FeedbackBestPractice       FeedbackKind = "best_practice"
	FeedbackSecurity           FeedbackKind = "security"
	FeedbackPerformance        FeedbackKind = "performance"
	FeedbackSuccess            FeedbackKind = "success"
	FeedbackMaxRetriesExceeded FeedbackKind = "max_retries_exceeded"
)

// Severity of a feedback item.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// ErrorKind is the failure taxonomy reported on task results.
type ErrorKind string

const (
	KindNone               ErrorKind = ""
	KindValidationError    ErrorKind = "validation_error"
	KindLowConfidence      ErrorKind = "low_confidence"
	KindExecutorFailure    ErrorKind = "executor_failure"
	KindMaxRetriesExceeded ErrorKind = "max_retries_exceeded"
	KindDanglingDependency ErrorKind = "dangling_dependency"
	KindLedgerWrite        ErrorKind = "ledger_write"
	KindCanceled           ErrorKind = "canceled"
)

// Feedback is a structured critique of one attempt. A non-empty Suggestion
// holds replacement parameter values for the next attempt.
type Feedback struct {
	Kind       FeedbackKind   `json:"kind"`
	Severity   Severity       `json:"severity,omitempty"`
	Message    string         `json:"message,omitempty"`
	Suggestion map[string]any `json:"suggestion,omitempty"`
	Notes      []string       `json:"notes,omitempty"`
}

// HasSuggestion reports whether the feedback proposes parameter changes.
func (f *Feedback) HasSuggestion() bool {
	return f != nil && len(f.Suggestion) > 0
}

// Outcome is what an executor reports for a single attempt.
type Outcome struct {
	Success    bool           `json:"success"`
	Output     string         `json:"output,omitempty"`
	Confidence float64        `json:"confidence"`
	Feedback   *Feedback      `json:"feedback,omitempty"`
	Retryable  bool           `json:"retryable,omitempty"`
	Error      string         `json:"error,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Duration   time.Duration  `json:"-"`
}

// Normalized returns the outcome with confidence clamped to [0,1].
func (o Outcome) Normalized() Outcome {
	switch {
	case o.Confidence < 0:
		o.Confidence = 0
	case o.Confidence > 1:
		o.Confidence = 1
	}
	return o
}

// Failed builds the outcome used when an executor call returns an error.
// Such failures are always worth another attempt.
func Failed(err error) Outcome {
	return Outcome{Success: false, Error: err.Error(), Retryable: true}
}
