package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/boddenberg/card-usage-reports/internal/app"
	"github.com/boddenberg/card-usage-reports/internal/bucket"
	"github.com/boddenberg/card-usage-reports/internal/domain"

	"github.com/spf13/cobra"
)

// errRunFailed makes the process exit non-zero after the result was printed.
var errRunFailed = errors.New("recalculation finished with errors on most granularities")

func recalcCmd(build engineFactory) *cobra.Command {
	var (
		dryRun   bool
		types    []string
		executor string
	)
	cmd := &cobra.Command{
		Use:   "recalc <start-date> <end-date>",
		Short: "Rebuild aggregates from source records for a civil date range",
		Long: `Re-derive the daily, weekly and monthly aggregates touched by the
inclusive range from the source records. Dates are YYYY-MM-DD.
Exits 1 on invalid input or when most requested granularities failed.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, build, func(engine *app.App) error {
				if _, _, err := domain.ValidateRange(args[0], args[1], engine.Config.MaxRecalcDays); err != nil {
					return err
				}
				gs, err := domain.ParseGranularities(types)
				if err != nil {
					return err
				}
				res, err := engine.Recalculator.Recalculate(cmd.Context(), domain.RecalcRequest{
					StartDate: args[0],
					EndDate:   args[1],
					Types:     gs,
					Actor:     domain.ManualRecalcActor(executor),
					DryRun:    dryRun,
				})
				if err != nil {
					return err
				}
				if err := printJSON(cmd.OutOrStdout(), res); err != nil {
					return err
				}
				if !res.Success {
					return errRunFailed
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report what would be written without writing")
	cmd.Flags().StringSliceVar(&types, "types", nil, "Granularities to rebuild (daily,weekly,monthly)")
	cmd.Flags().StringVar(&executor, "executor", "", "Name recorded in lastUpdatedBy")

	return cmd
}

func resumCmd(build engineFactory) *cobra.Command {
	var apply bool
	cmd := &cobra.Command{
		Use:   "resum <granularity> <year> <month> [<day|week>]",
		Short: "Compare an aggregate's totals with a re-sum of its members",
		Args:  cobra.RangeArgs(3, 4),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := parseRef(args)
			if err != nil {
				return err
			}
			return withEngine(cmd, build, func(engine *app.App) error {
				var res *domain.ResumResult
				if apply {
					res, err = engine.Repairer.ApplyResum(cmd.Context(), ref, domain.ActorMaintenance)
				} else {
					res, err = engine.Repairer.Resum(cmd.Context(), ref)
				}
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	cmd.Flags().BoolVar(&apply, "apply", false, "Write the recalculated totals")
	return cmd
}

func pruneCmd(build engineFactory) *cobra.Command {
	var apply bool
	cmd := &cobra.Command{
		Use:   "prune <granularity> <year> <month> [<day|week>]",
		Short: "Drop member ids whose source record no longer exists",
		Args:  cobra.RangeArgs(3, 4),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := parseRef(args)
			if err != nil {
				return err
			}
			return withEngine(cmd, build, func(engine *app.App) error {
				var res *domain.PruneResult
				if apply {
					res, err = engine.Repairer.ApplyPrune(cmd.Context(), ref, domain.ActorMaintenance)
				} else {
					res, err = engine.Repairer.PruneDanglingMembers(cmd.Context(), ref)
				}
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	cmd.Flags().BoolVar(&apply, "apply", false, "Write the pruned membership")
	return cmd
}

func deleteRecordCmd(build engineFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "delete-record <year> <month> <week> <day> <sequence>",
		Short: "Hard-delete a source record and repair its aggregates",
		Args:  cobra.ExactArgs(5),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := domain.RecordKey{Week: args[2], Sequence: args[4]}
			var err error
			if key.Year, err = argInt("year", args[0]); err != nil {
				return err
			}
			if key.Month, err = argInt("month", args[1]); err != nil {
				return err
			}
			if key.Day, err = argInt("day", args[3]); err != nil {
				return err
			}
			return withEngine(cmd, build, func(engine *app.App) error {
				res, err := engine.Repairer.DeleteRecord(cmd.Context(), key, domain.ActorMaintenance)
				if err != nil {
					return err
				}
				if err := printJSON(cmd.OutOrStdout(), res); err != nil {
					return err
				}
				if len(res.Errors) > 0 {
					return fmt.Errorf("%d aggregates could not be repaired", len(res.Errors))
				}
				return nil
			})
		},
	}
}

// parseRef reads <granularity> <year> <month> [<day|week>].
func parseRef(args []string) (bucket.Ref, error) {
	g, err := domain.ParseGranularity(args[0])
	if err != nil {
		return bucket.Ref{}, err
	}
	ref := bucket.Ref{Granularity: g}
	if ref.Year, err = argInt("year", args[1]); err != nil {
		return ref, err
	}
	if ref.Month, err = argInt("month", args[2]); err != nil {
		return ref, err
	}
	if g != domain.GranularityMonthly && len(args) < 4 {
		return ref, &domain.ErrValidation{Field: "bucket", Message: fmt.Sprintf("%s needs a day or week argument", g)}
	}
	switch g {
	case domain.GranularityDaily:
		if ref.Day, err = argInt("day", args[3]); err != nil {
			return ref, err
		}
	case domain.GranularityWeekly:
		ref.Week = args[3]
	}
	return ref, ref.Validate()
}

func argInt(field, s string) (int, error) {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, &domain.ErrValidation{Field: field, Message: fmt.Sprintf("expected an integer, got %q", s)}
	}
	return v, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
