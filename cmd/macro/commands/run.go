package commands

import (
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wonny/aegis-macro/backend/internal/brain"
	"github.com/wonny/aegis-macro/backend/internal/contracts"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "일일 파이프라인 실행",
	Long: `S0~S4 파이프라인을 한 번 실행하고 update log에 결과를 남깁니다.

Flags:
  --quick          품질 검사(S1) 생략
  --sources        지정한 source만 수집 (반복 또는 콤마 구분)
  --skip-indices   horizon 까지만 계산 (S3/S4 생략)
  --stats          저장소 요약만 출력 (수집/쓰기 없음)

Exit code:
  0  모든 source/stage 성공
  1  일부 실패(partial) 또는 실패(failed)

Example:
  go run ./cmd/macro run
  go run ./cmd/macro run --quick --sources fred,nyfed
  go run ./cmd/macro run --stats`,
	RunE: runPipeline,
}

var (
	runQuick       bool
	runSources     []string
	runSkipIndices bool
	runStats       bool
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().BoolVar(&runQuick, "quick", false, "품질 검사 생략")
	runCmd.Flags().StringSliceVar(&runSources, "sources", nil, "수집할 source 이름")
	runCmd.Flags().BoolVar(&runSkipIndices, "skip-indices", false, "지수/알림 단계 생략")
	runCmd.Flags().BoolVar(&runStats, "stats", false, "저장소 요약만 출력")
}

func runPipeline(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sys, err := openSystem(ctx)
	if err != nil {
		return err
	}
	defer sys.Close()

	if runStats {
		return printStats(cmd, sys, 5)
	}

	PrintHeader("Aegis Macro Pipeline Run")
	result, err := sys.orch.Run(ctx, brain.RunConfig{
		Quick:       runQuick,
		Sources:     runSources,
		SkipIndices: runSkipIndices,
	})
	if result != nil {
		printRunResult(result)
	}
	if err != nil {
		PrintError(err.Error())
		if result == nil {
			return &exitError{code: 2}
		}
	}
	if code := result.ExitCode(); code != 0 {
		return &exitError{code: code}
	}
	return nil
}

func printRunResult(res *brain.RunResult) {
	e := res.Entry

	PrintKeyValue("Run ID", e.RunID, 12)
	PrintKeyValue("Mode", e.Mode, 12)
	PrintKeyValue("Status", string(e.Status), 12)
	PrintKeyValue("Duration", formatDuration(e.Duration), 12)
	PrintKeyValue("Rows", fmt.Sprintf("%d written, %d rejected", e.RowsWritten, e.RowsRejected), 12)
	PrintKeyValue("Sources", fmt.Sprintf("%d/%d succeeded", len(e.SourcesSucceeded), len(e.SourcesAttempted)), 12)
	if failed := e.SourcesFailed(); len(failed) > 0 {
		PrintKeyValue("Failed", strings.Join(failed, ", "), 12)
	}
	fmt.Println()

	widths := []int{12, 8, 8, 8, 10}
	PrintTableHeader([]string{"STAGE", "STATUS", "IN", "OUT", "DURATION"}, widths)
	for _, s := range res.Stages {
		status := "ok"
		switch {
		case s.Skipped:
			status = "skipped"
		case !s.Success:
			status = "FAILED"
		}
		PrintTableRow([]string{
			s.Stage.ShortName(), status,
			fmt.Sprint(s.InputCount), fmt.Sprint(s.OutputCount), formatDuration(s.Duration),
		}, widths)
	}
	fmt.Println()

	if res.Index != nil && len(res.Index.Latest) > 0 {
		names := make([]string, 0, len(res.Index.Latest))
		for n := range res.Index.Latest {
			names = append(names, n)
		}
		sort.Strings(names)

		widths := []int{20, 12, 10, 12, 9}
		PrintTableHeader([]string{"INDEX", "DATE", "VALUE", "REGIME", "COVERAGE"}, widths)
		for _, n := range names {
			v := res.Index.Latest[n]
			PrintTableRow([]string{
				n, contracts.FormatDate(v.Date), formatFloat(v.Value, 3), v.Regime, fmt.Sprintf("%.0f%%", v.Coverage*100),
			}, widths)
		}
		fmt.Println()
	}

	if res.Alerts != nil {
		for _, ev := range res.Alerts.Events {
			PrintWarning(ev.Message)
		}
	}

	switch e.Status {
	case contracts.RunSuccess:
		PrintSuccess("Pipeline run completed")
	case contracts.RunPartial:
		PrintWarning("Pipeline run completed with failures: " + e.ErrorSummary)
	default:
		PrintError("Pipeline run failed: " + e.ErrorSummary)
	}
}
