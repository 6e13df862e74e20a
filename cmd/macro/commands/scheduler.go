package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wonny/aegis-macro/backend/internal/api"
	"github.com/wonny/aegis-macro/backend/internal/scheduler"
	"github.com/wonny/aegis-macro/backend/internal/scheduler/jobs"
)

// schedulerCmd represents the scheduler command
var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "일일 실행 스케줄러",
	Long: `일일 파이프라인을 cron 스케줄(SCHEDULE_CRON)로 실행합니다.
이전 실행이 끝나지 않았으면 이번 실행은 건너뜁니다.

Subcommands:
  start   - 스케줄러 시작 (--api 로 API 서버 동시 실행)
  list    - 등록된 작업 목록
  run     - 작업 한 번 즉시 실행 (기본: 전체)

Example:
  go run ./cmd/macro scheduler start
  go run ./cmd/macro scheduler start --api
  go run ./cmd/macro scheduler list
  go run ./cmd/macro scheduler run daily_pipeline`,
}

var (
	schedulerStartCmd = &cobra.Command{
		Use:   "start",
		Short: "스케줄러 시작",
		RunE:  runScheduler,
	}

	schedulerListCmd = &cobra.Command{
		Use:   "list",
		Short: "등록된 작업 목록",
		RunE:  listJobs,
	}

	schedulerRunCmd = &cobra.Command{
		Use:   "run [job]",
		Short: "작업 즉시 실행",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runJobsNow,
	}

	schedulerWithAPI bool
	schedulerNow     bool
)

func init() {
	rootCmd.AddCommand(schedulerCmd)
	schedulerCmd.AddCommand(schedulerStartCmd)
	schedulerCmd.AddCommand(schedulerListCmd)
	schedulerCmd.AddCommand(schedulerRunCmd)

	schedulerStartCmd.Flags().BoolVar(&schedulerWithAPI, "api", false, "API 서버 동시 실행 (/ws/alerts 로 알림 전달)")
	schedulerStartCmd.Flags().BoolVar(&schedulerNow, "now", false, "시작 직후 한 번 실행")
}

func newScheduler(sys *system) (*scheduler.Scheduler, error) {
	sched := scheduler.New(sys.log, scheduler.WithClock(sys.clock))
	if err := sched.AddJob(jobs.NewPipelineJob(sys.orch, sys.cfg.ScheduleCron, sys.log)); err != nil {
		return nil, err
	}
	return sched, nil
}

func runScheduler(cmd *cobra.Command, args []string) error {
	sys, err := openSystem(cmd.Context())
	if err != nil {
		return err
	}
	defer sys.Close()

	sched, err := newScheduler(sys)
	if err != nil {
		return fmt.Errorf("init scheduler: %w", err)
	}
	sched.Start()
	defer sched.Stop()

	PrintHeader("Aegis Macro Scheduler")
	for name, st := range sched.Stats() {
		next := "-"
		if st.NextRun != nil {
			next = st.NextRun.Format("2006-01-02 15:04:05")
		}
		PrintKeyValue(name, fmt.Sprintf("%s (next %s)", st.Schedule, next), 16)
	}
	if schedulerNow {
		for _, name := range sched.Jobs() {
			if err := sched.RunJob(name); err != nil {
				return err
			}
		}
	}

	if schedulerWithAPI {
		server := api.New(sys.cfg, sys.log, newRouter(sys))
		errCh := make(chan error, 1)
		go func() { errCh <- server.Start() }()
		PrintSuccess(fmt.Sprintf("API running on http://localhost:%s", sys.cfg.Port))
		PrintInfo("Press Ctrl+C to stop")
		return serveUntilSignal(server, errCh)
	}

	PrintInfo("Press Ctrl+C to stop")
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	return nil
}

func listJobs(cmd *cobra.Command, args []string) error {
	sys, err := openSystem(cmd.Context())
	if err != nil {
		return err
	}
	defer sys.Close()

	sched, err := newScheduler(sys)
	if err != nil {
		return err
	}

	widths := []int{20, 16}
	PrintTableHeader([]string{"JOB", "SCHEDULE"}, widths)
	stats := sched.Stats()
	for _, name := range sched.Jobs() {
		PrintTableRow([]string{name, stats[name].Schedule}, widths)
	}
	return nil
}

func runJobsNow(cmd *cobra.Command, args []string) error {
	sys, err := openSystem(cmd.Context())
	if err != nil {
		return err
	}
	defer sys.Close()

	sched, err := newScheduler(sys)
	if err != nil {
		return err
	}
	defer sched.Stop()

	names := sched.Jobs()
	if len(args) == 1 {
		names = args
	}

	failed := 0
	for _, name := range names {
		res, err := sched.RunJobNow(name)
		if err != nil {
			return err
		}
		if res.Success {
			PrintSuccess(fmt.Sprintf("%s (%s)", name, formatDuration(res.Duration)))
			continue
		}
		failed++
		PrintError(fmt.Sprintf("%s: %s", name, res.Error))
	}
	if failed > 0 {
		return &exitError{code: 1}
	}
	return nil
}
