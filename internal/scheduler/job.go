package scheduler

import (
	"context"
	"time"
)

// Job represents a scheduled job
// ⭐ SSOT: 스케줄 작업 인터페이스는 여기서만 정의
type Job interface {
	Name() string

	// Run executes the job once. A returned error marks the execution failed;
	// the scheduler never retries, the next tick is the retry.
	Run(ctx context.Context) error

	// Schedule returns the cron expression (seconds field first),
	// e.g. "0 30 7 * * *" for 07:30 daily.
	Schedule() string
}

// JobResult represents the result of a job execution
type JobResult struct {
	JobName   string        `json:"job_name"`
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration"`
	Success   bool          `json:"success"`
	Skipped   bool          `json:"skipped,omitempty"` // previous execution still running
	Error     string        `json:"error,omitempty"`
}

// maxHistory bounds in-memory results per job
const maxHistory = 100

// JobHistory stores job execution history
type JobHistory struct {
	Results []JobResult
}

// AddResult adds a job result to history
func (h *JobHistory) AddResult(result JobResult) {
	h.Results = append(h.Results, result)
	if len(h.Results) > maxHistory {
		h.Results = h.Results[len(h.Results)-maxHistory:]
	}
}

// Latest returns up to n most recent results, oldest first.
func (h *JobHistory) Latest(n int) []JobResult {
	if n > len(h.Results) {
		n = len(h.Results)
	}
	out := make([]JobResult, n)
	copy(out, h.Results[len(h.Results)-n:])
	return out
}

// SuccessRate returns the share of executed (not skipped) runs that succeeded.
func (h *JobHistory) SuccessRate() float64 {
	var ran, ok int
	for _, r := range h.Results {
		if r.Skipped {
			continue
		}
		ran++
		if r.Success {
			ok++
		}
	}
	if ran == 0 {
		return 0
	}
	return float64(ok) / float64(ran)
}
