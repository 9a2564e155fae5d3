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

	"batchcast/internal/storage"
)

func (c *cli) recipientCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "recipient", Short: "Manage recipients"}

	var (
		username string
		group    string
	)
	add := &cobra.Command{
		Use:   "add <chat-id>",
		Short: "Register a recipient (or move it to another group)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			chatID, err := parseChatID(args[0])
			if err != nil {
				return err
			}
			return c.withStore(cmd, func(ctx context.Context, st storage.Store) error {
				rec := storage.Recipient{ChatID: chatID, Username: username}
				if group != "" {
					ids, err := resolveGroups(ctx, st, []string{group})
					if err != nil {
						return err
					}
					rec.GroupID = ids[0]
				}
				saved, err := st.UpsertRecipient(ctx, rec)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "recipient %d saved (chat %d, group %d)\n", saved.ID, saved.ChatID, saved.GroupID)
				return nil
			})
		},
	}
	add.Flags().StringVarP(&username, "username", "u", "", "platform username")
	add.Flags().StringVarP(&group, "group", "g", "", "group name or id")

	var listGroup string
	list := &cobra.Command{
		Use:   "list",
		Short: "List the recipients of a group",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withStore(cmd, func(ctx context.Context, st storage.Store) error {
				ids, err := resolveGroups(ctx, st, []string{listGroup})
				if err != nil {
					return err
				}
				recs, err := st.ListGroupRecipients(ctx, ids[0])
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tCHAT\tUSERNAME\tJOINED")
				for _, r := range recs {
					fmt.Fprintf(w, "%d\t%d\t%s\t%s\n", r.ID, r.ChatID, r.Username, r.JoinedAt.Format(time.RFC3339))
				}
				return w.Flush()
			})
		},
	}
	list.Flags().StringVarP(&listGroup, "group", "g", "", "group name or id")
	_ = list.MarkFlagRequired("group")

	cmd.AddCommand(add, list)
	return cmd
}

// parseChatID accepts negative ids, which the platform uses for group chats.
func parseChatID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id == 0 {
		return 0, errors.Newf("invalid chat id %q", s)
	}
	return id, nil
}
