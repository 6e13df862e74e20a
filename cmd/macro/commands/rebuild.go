package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/wonny/aegis-macro/backend/internal/contracts"
)

// rebuildCmd represents the rebuild command
var rebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "horizon 전체 재계산 + 지수 재계산",
	Long: `저장된 관측치만으로 horizon 패널과 모든 지수를 다시 계산합니다.
수집은 하지 않습니다. 결과는 증분 계산과 동일해야 합니다.

Flags:
  --from   시작일 (기본: HISTORY_START)
  --to     종료일 (기본: 오늘)

Example:
  go run ./cmd/macro rebuild
  go run ./cmd/macro rebuild --from 2020-01-01`,
	RunE: runRebuild,
}

var (
	rebuildFrom string
	rebuildTo   string
)

func init() {
	rootCmd.AddCommand(rebuildCmd)
	rebuildCmd.Flags().StringVar(&rebuildFrom, "from", "", "시작일 (YYYY-MM-DD)")
	rebuildCmd.Flags().StringVar(&rebuildTo, "to", "", "종료일 (YYYY-MM-DD)")
}

func runRebuild(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sys, err := openSystem(ctx)
	if err != nil {
		return err
	}
	defer sys.Close()

	from, err := dateFlag(rebuildFrom, contracts.MustDate(sys.cfg.Pipeline.HistoryStart))
	if err != nil {
		return fmt.Errorf("invalid --from: %w", err)
	}
	to, err := dateFlag(rebuildTo, contracts.TruncateDay(sys.clock.Now()))
	if err != nil {
		return fmt.Errorf("invalid --to: %w", err)
	}

	PrintHeader(fmt.Sprintf("Rebuild %s ~ %s", contracts.FormatDate(from), contracts.FormatDate(to)))
	result, err := sys.orch.Rebuild(ctx, from, to)
	if result != nil {
		printRunResult(result)
	}
	if err != nil {
		return err
	}
	if code := result.ExitCode(); code != 0 {
		return &exitError{code: code}
	}
	return nil
}

func dateFlag(s string, def time.Time) (time.Time, error) {
	if s == "" {
		return def, nil
	}
	return contracts.ParseDate(s)
}
