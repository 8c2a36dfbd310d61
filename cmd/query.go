package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/doorplate-crawler/internal/batch"
	"github.com/JakeFAU/doorplate-crawler/internal/clock/system"
	"github.com/JakeFAU/doorplate-crawler/internal/portal"
)

// dateSource supplies the default date window.
type dateSource interface {
	Today() portal.ROCDate
	DaysAgo(n int) portal.ROCDate
}

var dates dateSource = system.New()

// queryFlags are the criteria flags shared by batch and district.
type queryFlags struct {
	start          string
	end            string
	days           int
	kind           string
	village        string
	neighbor       string
	includeUndated bool
	output         string
}

func (f *queryFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVar(&f.start, "start", "", "first ROC date, YYY-MM-DD (default: --days before --end)")
	fs.StringVar(&f.end, "end", "", "last ROC date, YYY-MM-DD (default: today in Taiwan)")
	fs.IntVar(&f.days, "days", 30, "window length used when --start is omitted")
	fs.StringVar(&f.kind, "kind", string(portal.RegisterKindAll), "register kind code 0-7")
	fs.StringVar(&f.village, "village", "", "village (里) filter")
	fs.StringVar(&f.neighbor, "neighbor", "", "neighborhood (鄰) filter")
	fs.BoolVar(&f.includeUndated, "include-undated", false, "include records without a registration date")
	fs.StringVarP(&f.output, "output", "o", "-", "write the JSON result to this file; - for stdout")
}

func (f *queryFlags) request(endpoint, parentCode string, partitions []string) (batch.Request, error) {
	end := dates.Today()
	if f.end != "" {
		parsed, err := portal.ParseROCDate(f.end)
		if err != nil {
			return batch.Request{}, fmt.Errorf("--end: %w", err)
		}
		end = parsed
	}
	var start portal.ROCDate
	switch {
	case f.start != "":
		parsed, err := portal.ParseROCDate(f.start)
		if err != nil {
			return batch.Request{}, fmt.Errorf("--start: %w", err)
		}
		start = parsed
	case f.end != "":
		start = portal.FromTime(end.Time().AddDate(0, 0, -f.days))
	default:
		start = dates.DaysAgo(f.days)
	}
	return batch.Request{
		Endpoint:       endpoint,
		ParentCode:     parentCode,
		Partitions:     partitions,
		StartDate:      start,
		EndDate:        end,
		RegisterKind:   portal.RegisterKind(f.kind),
		Village:        f.village,
		Neighbor:       f.neighbor,
		IncludeUndated: f.includeUndated,
	}, nil
}

// runQuery executes req and writes the result. It fails only when no partition succeeded.
func runQuery(cmd *cobra.Command, f *queryFlags, req batch.Request) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	logger := appInstance.Logger()
	result, err := appInstance.Runner().RunBatch(cmd.Context(), req, appInstance.Sink())
	if err != nil {
		return fmt.Errorf("run batch: %w", err)
	}
	if err := writeResult(cmd.OutOrStdout(), f.output, result); err != nil {
		return err
	}
	failed := len(result.Failed())
	switch {
	case failed == 0:
		return nil
	case failed == len(result.Outcomes):
		return fmt.Errorf("all %d partitions failed", failed)
	default:
		logger.Warn("batch finished with failures",
			zap.String("batch_id", result.BatchID),
			zap.Int("failed", failed),
			zap.Int("partitions", len(result.Outcomes)),
		)
		return nil
	}
}

func writeResult(stdout io.Writer, output string, result batch.BatchResult) error {
	w := stdout
	if output != "" && output != "-" {
		file, err := os.Create(output)
		if err != nil {
			return fmt.Errorf("create output: %w", err)
		}
		defer func() { _ = file.Close() }()
		w = file
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	return nil
}
