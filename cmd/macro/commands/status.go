package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/wonny/aegis-macro/backend/internal/contracts"
)

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "저장소 요약과 최근 실행 기록",
	Long: `저장소 내용과 최근 update log를 출력합니다. 아무것도 수집하거나 쓰지 않습니다.

Example:
  go run ./cmd/macro status
  go run ./cmd/macro status --runs 20`,
	RunE: runStatus,
}

var statusRuns int

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().IntVar(&statusRuns, "runs", 10, "표시할 실행 기록 수")
}

func runStatus(cmd *cobra.Command, args []string) error {
	sys, err := openSystem(cmd.Context())
	if err != nil {
		return err
	}
	defer sys.Close()
	return printStats(cmd, sys, statusRuns)
}

// printStats is shared by status and run --stats
func printStats(cmd *cobra.Command, sys *system, runs int) error {
	ctx := cmd.Context()

	stats, err := sys.orch.Stats(ctx)
	if err != nil {
		return err
	}

	PrintHeader("Observation Store")
	flags := make(map[string]contracts.QualityFlags, len(stats.Meta))
	for _, m := range stats.Meta {
		flags[m.ID] = m.QualityFlags
	}
	widths := []int{16, 8, 12, 12, 24}
	PrintTableHeader([]string{"SERIES", "COUNT", "FIRST", "LAST", "FLAGS"}, widths)
	for _, s := range stats.Series {
		PrintTableRow([]string{
			s.SeriesID, fmt.Sprint(s.Count),
			contracts.FormatDate(s.First), contracts.FormatDate(s.Last),
			orDash(flags[s.SeriesID].String()),
		}, widths)
	}
	if len(stats.Unfetched) > 0 {
		fmt.Println()
		PrintWarning("No observations yet: " + strings.Join(stats.Unfetched, ", "))
	}

	entries, err := sys.updateLog.Latest(ctx, runs)
	if err != nil {
		return err
	}
	PrintHeader("Update Log")
	widths = []int{26, 20, 8, 10, 10, 30}
	PrintTableHeader([]string{"RUN", "STARTED", "STATUS", "ROWS", "DURATION", "FAILED"}, widths)
	for _, e := range entries {
		PrintTableRow([]string{
			e.RunID, e.StartedAt.Local().Format("2006-01-02 15:04:05"), string(e.Status),
			fmt.Sprint(e.RowsWritten), formatDuration(e.Duration),
			orDash(strings.Join(e.SourcesFailed(), ",")),
		}, widths)
	}
	fmt.Println()
	return nil
}
