package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"batchcast/internal/storage"
)

func (c *cli) groupCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "group", Short: "Manage recipient groups"}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "add <name>",
			Short: "Create a group",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.withStore(cmd, func(ctx context.Context, st storage.Store) error {
					g, err := st.CreateGroup(ctx, args[0])
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "group %d created: %s\n", g.ID, g.Name)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List groups with their audience size",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return c.withStore(cmd, func(ctx context.Context, st storage.Store) error {
					groups, err := st.ListGroups(ctx)
					if err != nil {
						return err
					}
					w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
					fmt.Fprintln(w, "ID\tNAME\tRECIPIENTS")
					for _, g := range groups {
						recs, err := st.ListGroupRecipients(ctx, g.ID)
						if err != nil {
							return err
						}
						fmt.Fprintf(w, "%d\t%s\t%d\n", g.ID, g.Name, len(recs))
					}
					return w.Flush()
				})
			},
		},
	)
	return cmd
}

// resolveGroups maps names (case-insensitive) or numeric ids to group ids.
func resolveGroups(ctx context.Context, st storage.Store, refs []string) ([]int64, error) {
	groups, err := st.ListGroups(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]int64, 0, len(refs))
	for _, ref := range refs {
		ref = strings.Join(strings.Fields(ref), " ")
		found := false
		for _, g := range groups {
			if strings.EqualFold(g.Name, ref) || strconv.FormatInt(g.ID, 10) == ref {
				out = append(out, g.ID)
				found = true
				break
			}
		}
		if !found {
			return nil, errors.Wrapf(storage.ErrNotFound, "group %q", ref)
		}
	}
	return out, nil
}
