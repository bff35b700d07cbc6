package job

import "time"

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusPaused     Status = "paused"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether the status admits no further transitions. A
// terminal job has no active worker; re-entering the pipeline requires an
// explicit restart that spawns a fresh job.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Active reports whether a job in this status blocks creation of another job
// for the same quota key.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusProcessing || s == StatusPaused
}

type PauseReason string

const (
	PauseDailyLimit     PauseReason = "daily_limit_reached"
	PauseHourlyLimit    PauseReason = "hourly_limit_reached"
	PausePatternLimit   PauseReason = "pattern_limit_reached"
	PausePausePeriod    PauseReason = "pause_period"
	PauseSessionInvalid PauseReason = "session_invalid"
	PauseTokenRefresh   PauseReason = "token_refresh_failed"
)

type ItemStatus string

const (
	ItemPending    ItemStatus = "pending"
	ItemProcessing ItemStatus = "processing"
	ItemCompleted  ItemStatus = "completed"
	ItemFailed     ItemStatus = "failed"
)

type Item struct {
	ID        string     `json:"id"`
	SourceRef string     `json:"sourceRef"`
	Status    ItemStatus `json:"status"`
	LastError string     `json:"lastError,omitempty"`
}

type PatternSpan struct {
	PatternName    string     `json:"patternName"`
	EnteredAt      time.Time  `json:"enteredAt"`
	ExitedAt       *time.Time `json:"exitedAt,omitempty"`
	ItemsProcessed int        `json:"itemsProcessed"`
}

type ItemError struct {
	ItemID    string    `json:"itemId"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorLogLimit bounds the per-job error log; older entries are dropped.
const ErrorLogLimit = 50

type Job struct {
	ID           string   `json:"jobId"`
	QuotaKey     string   `json:"quotaKey"`
	Participants []string `json:"participantIds"`
	Status       Status   `json:"status"`

	Items []Item `json:"items"`

	// Persisted counters; always kept equal to the counts over Items.
	ProcessedCount int `json:"processedCount"`
	SuccessCount   int `json:"successCount"`
	FailureCount   int `json:"failureCount"`

	PauseReason         PauseReason `json:"pauseReason,omitempty"`
	EstimatedResumeTime *time.Time  `json:"estimatedResumeTime,omitempty"`
	FailureReason       string      `json:"failureReason,omitempty"`

	CreatedAt       time.Time  `json:"createdAt"`
	LastProcessedAt *time.Time `json:"lastProcessedAt,omitempty"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
	FailedAt        *time.Time `json:"failedAt,omitempty"`
	CancelledAt     *time.Time `json:"cancelledAt,omitempty"`

	PatternHistory []PatternSpan `json:"patternHistory,omitempty"`
	Errors         []ItemError   `json:"errors,omitempty"`
}

// PendingCount returns the number of items still waiting to be processed.
func (j *Job) PendingCount() int {
	n := 0
	for _, it := range j.Items {
		if it.Status == ItemPending || it.Status == ItemProcessing {
			n++
		}
	}
	return n
}
