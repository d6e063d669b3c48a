package main

import (
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/calmline/calmline/internal/crisis"
)

var selftestFlags struct {
	markdown bool
	record   bool
}

var selftestCmd = &cobra.Command{
	Use:   "selftest",
	Short: "Run the built-in detection smoke suite",
	RunE:  runSelftest,
}

func init() {
	f := selftestCmd.Flags()
	f.BoolVar(&selftestFlags.markdown, "markdown", false, "Render the results as a Markdown table")
	f.BoolVar(&selftestFlags.record, "record", false, "Record the run as an interaction in the configured emergency log")
}

func runSelftest(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	det, err := loadDetector(cfg)
	if err != nil {
		return err
	}

	rep := crisis.RunSelfTest(det, crisis.SelfTestCases)
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, renderSelfTest(rep, selftestFlags.markdown))
	fmt.Fprintf(out, "%d/%d passed (%.1f%%)\n", rep.Passed, rep.Total, rep.Accuracy())

	if selftestFlags.record {
		ctx := cmd.Context()
		logger, err := buildLogger(ctx, cfg, nil, false)
		if err != nil {
			return err
		}
		logger.LogInteraction(ctx, "detection_test_completed", map[string]any{
			"total":    rep.Total,
			"passed":   rep.Passed,
			"failed":   rep.Failed,
			"accuracy": rep.Accuracy(),
		}, "")
		logger.Close(ctx)
	}

	if rep.Failed > 0 {
		return fmt.Errorf("%d detection case(s) failed", rep.Failed)
	}
	return nil
}

func renderSelfTest(rep crisis.SelfTestReport, markdown bool) string {
	w := table.NewWriter()
	w.SetStyle(table.StyleLight)
	w.AppendHeader(table.Row{"#", "Message", "Expected", "Actual", "Risk", "Matches", "Result"})
	w.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignRight},
		{Number: 2, WidthMax: 40},
		{Number: 6, WidthMax: 40},
	})
	for i, r := range rep.Results {
		result := "PASS"
		if !r.Passed {
			result = "FAIL"
		}
		w.AppendRow(table.Row{
			i + 1,
			fmt.Sprintf("%q", r.Case.Text),
			triggerLabel(r.Case.ShouldTrigger),
			triggerLabel(r.Triggered),
			r.Assessment.RiskLevel,
			strings.Join(r.Assessment.MatchedPhrases, ", "),
			result,
		})
	}
	if markdown {
		return w.RenderMarkdown()
	}
	return w.Render()
}

func triggerLabel(b bool) string {
	if b {
		return "emergency"
	}
	return "safe"
}
