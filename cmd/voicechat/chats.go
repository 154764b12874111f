package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newChatsCommand(load loader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chats",
		Short: "Manage stored chats",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List chats, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := load(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			chats, err := a.Chats.List(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTITLE\tTURNS\tUPDATED")
			for _, c := range chats {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", c.ID, c.Title, len(c.Turns), c.UpdatedAt.Format("2006-01-02 15:04"))
			}
			return tw.Flush()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "new",
		Short: "Create an empty chat",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := load(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			chat, err := a.Chats.NewChat(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), chat.ID)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Print a chat as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := load(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			chat, err := a.Chats.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(chat)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a chat",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := load(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if _, _, err := a.Chats.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	})

	return cmd
}
