package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var compareCmd = &cobra.Command{
	Use:   "compare <fork-id>",
	Short: "Show how a fork differs from its original",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		rt, err := openRuntime(ctx)
		if err != nil {
			return err
		}
		defer closeRuntime(rt)

		view, err := rt.Service.CompareFork(ctx, args[0])
		if err != nil {
			return fmt.Errorf("comparing fork: %w", err)
		}
		out := cmd.OutOrStdout()
		if jsonOut {
			return printJSON(out, view)
		}
		for _, field := range view.Fields {
			marker := " "
			if field.Changed {
				marker = "*"
			}
			fmt.Fprintf(out, "%s %s\n", marker, field.Field)
		}
		for _, change := range view.Properties.Changed {
			fmt.Fprintf(out, "* property %s: %q -> %q\n", change.Key, change.Original, change.Fork)
		}
		for _, change := range view.Properties.Added {
			fmt.Fprintf(out, "+ property %s: %q\n", change.Key, change.Fork)
		}
		for _, change := range view.Properties.Removed {
			fmt.Fprintf(out, "- property %s\n", change.Key)
		}
		for _, terms := range view.Terms {
			if terms.Changed {
				fmt.Fprintf(out, "* %s: %v -> %v\n", terms.Taxonomy, terms.Original, terms.Fork)
			}
		}
		return nil
	},
}

var mergeCmd = &cobra.Command{
	Use:   "merge <fork-id> <document-id>",
	Short: "Merge a fork back into its original document",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		rt, err := openRuntime(ctx)
		if err != nil {
			return err
		}
		defer closeRuntime(rt)

		result, err := rt.Service.MergeFork(ctx, operator(), args[0], args[1])
		if err != nil {
			return fmt.Errorf("merging fork: %w", err)
		}
		out := cmd.OutOrStdout()
		if jsonOut {
			return printJSON(out, result)
		}
		fmt.Fprintf(out, "Merged %s into %s\n", args[0], result.DocumentID)
		for _, conflict := range result.Conflicts {
			fmt.Fprintf(out, "  conflict: %s\n", conflict.Description)
		}
		if result.ViewURL != "" {
			fmt.Fprintln(out, result.ViewURL)
		}
		return nil
	},
}

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Rebuild the fork search index from the database",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		rt, err := openRuntime(ctx)
		if err != nil {
			return err
		}
		defer closeRuntime(rt)

		n, err := rt.Search.Reindex(ctx)
		if err != nil {
			return fmt.Errorf("reindexing: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Indexed %d forks\n", n)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(compareCmd)
	rootCmd.AddCommand(mergeCmd)
	rootCmd.AddCommand(reindexCmd)
}
