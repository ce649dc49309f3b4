package models

import "time"

// AttemptOutcome classifies a single provider attempt.
type AttemptOutcome string

const (
	OutcomeOK             AttemptOutcome = "ok"
	OutcomeRetryableError AttemptOutcome = "retryable_error"
	OutcomeFatalError     AttemptOutcome = "fatal_error"
	OutcomeTimeout        AttemptOutcome = "timeout"
)

// ProviderAttempt is the telemetry record for one generation attempt.
// Failed attempts still carry cost; failure is not free.
type ProviderAttempt struct {
	BatchID    string         `json:"batch_id" db:"batch_id"`
	PieceIndex int            `json:"piece_index" db:"piece_index"`
	Provider   string         `json:"provider" db:"provider"`
	AttemptNo  int            `json:"attempt_no" db:"attempt_no"`
	StartedAt  time.Time      `json:"started_at" db:"started_at"`
	DurationMS int64          `json:"duration_ms" db:"duration_ms"`
	Outcome    AttemptOutcome `json:"outcome" db:"outcome"`
	ErrorCode  string         `json:"error_code,omitempty" db:"error_code"`
	CostUSD    float64        `json:"cost_usd" db:"cost_usd"`
}
