package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wonny/aegis-macro/backend/internal/contracts"
)

// pruneCmd represents the prune command
var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "기준일 이전 관측치 삭제 (보존 정책)",
	Long: `--before 이전 날짜의 관측치를 삭제합니다.
파이프라인은 자동으로 삭제하지 않으며, 이 명령으로만 보존 기간을 정리합니다.
삭제된 구간은 다음 run에서 horizon/지수가 다시 계산됩니다.

Flags:
  --before   기준일 (필수, 이 날짜 미만 삭제)
  --series   대상 시리즈 (반복 가능, 기본: 카탈로그 전체)

Example:
  go run ./cmd/macro prune --before 2000-01-01
  go run ./cmd/macro prune --before 2010-01-01 --series UNRATE`,
	RunE: runPrune,
}

var (
	pruneBefore string
	pruneSeries []string
)

func init() {
	rootCmd.AddCommand(pruneCmd)
	pruneCmd.Flags().StringVar(&pruneBefore, "before", "", "기준일 (YYYY-MM-DD)")
	pruneCmd.Flags().StringSliceVar(&pruneSeries, "series", nil, "대상 시리즈 ID")
	_ = pruneCmd.MarkFlagRequired("before")
}

func runPrune(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cutoff, err := contracts.ParseDate(pruneBefore)
	if err != nil {
		return fmt.Errorf("invalid --before: %w", err)
	}

	sys, err := openSystem(ctx)
	if err != nil {
		return err
	}
	defer sys.Close()

	ids := pruneSeries
	if len(ids) == 0 {
		for _, s := range sys.reg.AllSeries() {
			ids = append(ids, s.ID)
		}
	}
	for _, id := range ids {
		if _, ok := sys.reg.Series(id); !ok {
			return &contracts.ConfigError{Scope: "series", Name: id, Message: "not in catalog"}
		}
	}

	PrintHeader("Prune before " + contracts.FormatDate(cutoff))
	widths := []int{24, 10}
	PrintTableHeader([]string{"Series", "Deleted"}, widths)

	var total int64
	for _, id := range ids {
		n, err := sys.store.Prune(ctx, id, cutoff)
		if err != nil {
			return fmt.Errorf("prune %s: %w", id, err)
		}
		total += n
		PrintTableRow([]string{id, fmt.Sprintf("%d", n)}, widths)
	}
	PrintSeparator()

	sys.log.WithFields(map[string]interface{}{
		"before":  contracts.FormatDate(cutoff),
		"series":  len(ids),
		"deleted": total,
	}).Info("Observations pruned")

	if total > 0 {
		PrintSuccess(fmt.Sprintf("%d rows deleted; next run recomputes the affected history", total))
	} else {
		PrintInfo("Nothing to prune")
	}
	return nil
}
