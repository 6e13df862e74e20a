package jobs

import (
	"context"
	"fmt"

	"github.com/wonny/aegis-macro/backend/internal/brain"
	"github.com/wonny/aegis-macro/backend/internal/contracts"
	"github.com/wonny/aegis-macro/backend/pkg/logger"
)

// Runner executes one pipeline run
type Runner interface {
	Run(ctx context.Context, cfg brain.RunConfig) (*brain.RunResult, error)
}

// PipelineJob runs the full daily pipeline
// ⭐ SSOT: 일일 파이프라인 스케줄은 이 Job에서만
type PipelineJob struct {
	runner   Runner
	schedule string
	logger   *logger.Logger
}

// NewPipelineJob creates the daily run job for a cron expression
func NewPipelineJob(runner Runner, schedule string, log *logger.Logger) *PipelineJob {
	return &PipelineJob{runner: runner, schedule: schedule, logger: log}
}

// Name returns the job name
func (j *PipelineJob) Name() string {
	return "daily_pipeline"
}

// Schedule returns the cron schedule
func (j *PipelineJob) Schedule() string {
	return j.schedule
}

// Run executes one pipeline run. A partial run is a completed job;
// only a failed run is reported as an error.
func (j *PipelineJob) Run(ctx context.Context) error {
	res, err := j.runner.Run(ctx, brain.RunConfig{})
	if err != nil {
		return fmt.Errorf("pipeline run: %w", err)
	}

	switch res.Entry.Status {
	case contracts.RunFailed:
		return fmt.Errorf("pipeline run %s failed at %s: %s", res.Entry.RunID, res.Entry.FailedStage, res.Entry.ErrorSummary)
	case contracts.RunPartial:
		j.logger.WithFields(map[string]interface{}{
			"run_id":         res.Entry.RunID,
			"failed_stage":   string(res.Entry.FailedStage),
			"sources_failed": res.Entry.SourcesFailed(),
		}).Warn("Scheduled run finished partially")
	}
	return nil
}
