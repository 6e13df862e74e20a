package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wonny/aegis-macro/backend/internal/catalog"
	"github.com/wonny/aegis-macro/backend/internal/transform"
)

// catalogCmd represents the catalog command
var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "시계열 카탈로그 / 지수 정의 관리",
}

var catalogValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "카탈로그와 지수 정의 검증",
	Long: `catalog.yaml 과 formulas.yaml 을 읽어 등록 오류를 보고합니다.
오류가 하나라도 있으면 exit code 1.

Example:
  go run ./cmd/macro catalog validate`,
	RunE: runCatalogValidate,
}

func init() {
	rootCmd.AddCommand(catalogCmd)
	catalogCmd.AddCommand(catalogValidateCmd)
}

func runCatalogValidate(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	reg, err := catalog.Load(cfg.CatalogPath, cfg.FormulasPath)
	if err != nil {
		PrintError(err.Error())
		return &exitError{code: 1}
	}

	PrintHeader("Catalog")
	PrintKeyValue("Catalog", cfg.CatalogPath, 10)
	PrintKeyValue("Formulas", cfg.FormulasPath, 10)
	PrintKeyValue("Sources", fmt.Sprint(len(reg.Sources())), 10)
	PrintKeyValue("Series", fmt.Sprint(len(reg.AllSeries())), 10)
	PrintKeyValue("Metrics", fmt.Sprint(len(reg.ActiveMetrics())), 10)
	PrintKeyValue("Indices", fmt.Sprint(len(reg.Formulas())), 10)
	PrintKeyValue("Monitors", fmt.Sprint(len(reg.Monitors())), 10)
	fmt.Println()

	widths := []int{20, 4, 14, 40}
	PrintTableHeader([]string{"INDEX", "VER", "HASH", "INPUTS"}, widths)
	for _, f := range reg.Formulas() {
		hash := f.Hash()
		var inputs string
		for i, in := range f.Inputs {
			if i > 0 {
				inputs += ", "
			}
			desc := in.Metric
			if m, err := reg.Metric(in.Metric); err == nil {
				desc = fmt.Sprintf("%s(%s)", in.Metric, transform.Describe(m.Transform))
			}
			inputs += fmt.Sprintf("%s×%.2f", desc, in.Weight)
		}
		PrintTableRow([]string{f.Name, fmt.Sprint(f.Version), hash[:12], inputs}, widths)
	}
	fmt.Println()

	if problems := reg.Problems(); len(problems) > 0 {
		for _, p := range problems {
			PrintError(p.Error())
		}
		return &exitError{code: 1}
	}
	PrintSuccess("Catalog is valid")
	return nil
}
