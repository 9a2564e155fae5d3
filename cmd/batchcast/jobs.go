package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"batchcast/internal/recurrence"
	"batchcast/internal/storage"
)

const timeLayout = "2006-01-02 15:04"

type jobFlags struct {
	message string
	typ     string
	cron    string
	at      string
	groups  []string
	paused  bool
}

func (f *jobFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.message, "message", "m", "", "message text")
	cmd.Flags().StringVarP(&f.typ, "type", "t", "weekly", "recurrence: weekly, monthly or custom")
	cmd.Flags().StringVar(&f.cron, "cron", "", "5-field cron expression (custom only, UTC)")
	cmd.Flags().StringVar(&f.at, "at", "", `first run, RFC3339 or "YYYY-MM-DD HH:MM" UTC (default: next cron match, or the next minute)`)
	cmd.Flags().StringArrayVarP(&f.groups, "group", "g", nil, "target group name or id (repeatable)")
}

func (c *cli) jobCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "job", Short: "Manage broadcast jobs"}
	cmd.AddCommand(c.jobAddCmd(), c.jobListCmd(), c.jobEditCmd(), c.jobNextCmd(),
		c.jobToggleCmd("pause", false), c.jobToggleCmd("resume", true), c.jobRmCmd())
	return cmd
}

func (c *cli) jobAddCmd() *cobra.Command {
	var f jobFlags
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a recurring broadcast",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			typ, err := recurrence.ParseType(f.typ)
			if err != nil {
				return err
			}
			if err := recurrence.Validate(typ, f.cron); err != nil {
				return err
			}
			next, err := c.firstRun(typ, f.cron, f.at)
			if err != nil {
				return err
			}
			return c.withStore(cmd, func(ctx context.Context, st storage.Store) error {
				ids, err := resolveGroups(ctx, st, f.groups)
				if err != nil {
					return err
				}
				j, err := st.CreateJob(ctx, storage.Job{
					Message:    f.message,
					Recurrence: typ,
					CronExpr:   f.cron,
					NextRunAt:  &next,
					Active:     !f.paused,
					GroupIDs:   ids,
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "job %d created, next run %s\n", j.ID, j.NextRunAt.Format(time.RFC3339))
				return nil
			})
		},
	}
	f.bind(cmd)
	cmd.Flags().BoolVar(&f.paused, "paused", false, "create the job paused")
	_ = cmd.MarkFlagRequired("message")
	_ = cmd.MarkFlagRequired("group")
	return cmd
}

func (c *cli) jobListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withStore(cmd, func(ctx context.Context, st storage.Store) error {
				jobs, err := st.ListJobs(ctx)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tTYPE\tNEXT RUN\tACTIVE\tGROUPS\tMESSAGE")
				for _, j := range jobs {
					typ := string(j.Recurrence)
					if j.Recurrence == recurrence.Custom {
						typ += " " + j.CronExpr
					}
					fmt.Fprintf(w, "%d\t%s\t%s\t%t\t%s\t%s\n",
						j.ID, typ, formatNext(j.NextRunAt), j.Active, joinIDs(j.GroupIDs), preview(j.Message, 40))
				}
				return w.Flush()
			})
		},
	}
}

func (c *cli) jobEditCmd() *cobra.Command {
	var f jobFlags
	cmd := &cobra.Command{
		Use:   "edit <id>",
		Short: "Change a job; only the given flags are applied",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			changed := cmd.Flags().Changed
			return c.withStore(cmd, func(ctx context.Context, st storage.Store) error {
				cur, err := st.GetJob(ctx, id)
				if err != nil {
					return err
				}
				var e storage.JobEdit
				if changed("message") {
					e.Message = &f.message
				}
				typ, expr := cur.Recurrence, cur.CronExpr
				if changed("type") {
					if typ, err = recurrence.ParseType(f.typ); err != nil {
						return err
					}
					e.Recurrence = &typ
				}
				if changed("cron") {
					expr = f.cron
					e.CronExpr = &expr
				}
				if err := recurrence.Validate(typ, expr); err != nil {
					return err
				}
				switch {
				case changed("at"):
					next, err := parseTime(f.at)
					if err != nil {
						return err
					}
					e.NextRunAt = &next
				case changed("type") || changed("cron"):
					next, err := c.firstRun(typ, expr, "")
					if err != nil {
						return err
					}
					e.NextRunAt = &next
				}
				if changed("group") {
					if e.GroupIDs, err = resolveGroups(ctx, st, f.groups); err != nil {
						return err
					}
				}
				j, err := st.UpdateJob(ctx, id, e)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "job %d updated, next run %s\n", j.ID, formatNext(j.NextRunAt))
				return nil
			})
		},
	}
	f.bind(cmd)
	return cmd
}

func (c *cli) jobToggleCmd(name string, active bool) *cobra.Command {
	short := "Stop a job from running"
	if active {
		short = "Resume a paused job; a past next run is moved forward"
	}
	return &cobra.Command{
		Use:   name + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return c.withStore(cmd, func(ctx context.Context, st storage.Store) error {
				e := storage.JobEdit{Active: &active}
				if active {
					cur, err := st.GetJob(ctx, id)
					if err != nil {
						return err
					}
					if cur.NextRunAt == nil || cur.NextRunAt.Before(c.now()) {
						next, err := recurrence.Compute(cur.Recurrence, cur.CronExpr, c.now().Truncate(time.Minute))
						if err != nil {
							return errors.Wrapf(err, "job %d", id)
						}
						e.NextRunAt = &next
					}
				}
				j, err := st.UpdateJob(ctx, id, e)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "job %d active=%t, next run %s\n", j.ID, j.Active, formatNext(j.NextRunAt))
				return nil
			})
		},
	}
}

func (c *cli) jobRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <id>",
		Short: "Delete a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return c.withStore(cmd, func(ctx context.Context, st storage.Store) error {
				if err := st.DeleteJob(ctx, id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "job %d deleted\n", id)
				return nil
			})
		},
	}
}

func (c *cli) jobNextCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "next <id>",
		Short: "Preview upcoming runs of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return c.withStore(cmd, func(ctx context.Context, st storage.Store) error {
				j, err := st.GetJob(ctx, id)
				if err != nil {
					return err
				}
				if n < 1 {
					n = 1
				}
				if j.NextRunAt == nil {
					fmt.Fprintf(cmd.OutOrStdout(), "job %d has no upcoming runs\n", id)
					return nil
				}
				rest, err := recurrence.Preview(j.Recurrence, j.CronExpr, *j.NextRunAt, n-1)
				if err != nil {
					return err
				}
				for _, t := range append([]time.Time{*j.NextRunAt}, rest...) {
					fmt.Fprintln(cmd.OutOrStdout(), t.UTC().Format(time.RFC3339))
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&n, "count", "n", 5, "number of runs to show")
	return cmd
}

// firstRun picks the first due time for a new schedule.
func (c *cli) firstRun(typ recurrence.Type, expr, at string) (time.Time, error) {
	if strings.TrimSpace(at) != "" {
		return parseTime(at)
	}
	from := c.now().UTC().Truncate(time.Minute)
	if typ == recurrence.Custom {
		return recurrence.Compute(typ, expr, from)
	}
	return from.Add(time.Minute), nil
}

func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.ParseInLocation(timeLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, errors.Newf("invalid time %q: want RFC3339 or %q", s, timeLayout)
	}
	return t, nil
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.Newf("invalid id %q", s)
	}
	return id, nil
}

func formatNext(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func joinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

func preview(s string, width int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= width {
		return s
	}
	return string(r[:width-1]) + "…"
}
