package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var forkCmd = &cobra.Command{
	Use:   "fork <document-id>",
	Short: "Create a draft fork of a document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		rt, err := openRuntime(ctx)
		if err != nil {
			return err
		}
		defer closeRuntime(rt)

		created, err := rt.Service.CreateFork(ctx, operator(), args[0])
		if err != nil {
			return fmt.Errorf("creating fork: %w", err)
		}
		out := cmd.OutOrStdout()
		if jsonOut {
			return printJSON(out, created)
		}
		fmt.Fprintf(out, "Created fork %s of %s\n", created.ID, created.OriginalID)
		return nil
	},
}

var forksCmd = &cobra.Command{
	Use:   "forks <document-id>",
	Short: "List the forks of a document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		rt, err := openRuntime(ctx)
		if err != nil {
			return err
		}
		defer closeRuntime(rt)

		items, err := rt.Service.ListForks(ctx, args[0])
		if err != nil {
			return fmt.Errorf("listing forks: %w", err)
		}
		out := cmd.OutOrStdout()
		if jsonOut {
			return printJSON(out, items)
		}
		for _, item := range items {
			fmt.Fprintf(out, "%s\t%s\t%s\t%s\n", item.ID, item.State, item.AuthorName, item.Title)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(forkCmd)
	rootCmd.AddCommand(forksCmd)
}
