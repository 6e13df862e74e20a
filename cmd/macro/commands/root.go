package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	verbose bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "macro",
	Short: "Aegis Macro - 거시경제 스트레스 지표 파이프라인",
	Long: `Aegis Macro Unified CLI

공개 거시/금융 시계열을 수집하고, 발표 지연을 반영한 z-score 패널과
합성 스트레스 지수를 계산하여 레짐 전환을 알립니다.

S0 수집 → S1 품질 → S2 horizon → S3 지수 → S4 알림

Usage:
  go run ./cmd/macro [command]

Examples:
  go run ./cmd/macro run
  go run ./cmd/macro run --quick --sources fred
  go run ./cmd/macro run --stats
  go run ./cmd/macro catalog validate
  go run ./cmd/macro api`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// exitError carries a process exit code out of a command
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

// Execute runs the root command and returns the process exit code.
// 0 only on full success.
func Execute() int {
	err := rootCmd.Execute()
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	fmt.Fprintf(os.Stderr, "❌ %v\n", err)
	return 1
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug 로그 출력")
}
