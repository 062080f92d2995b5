package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"offshoot/api/internal/app"
	"offshoot/api/internal/config"
)

var (
	verbose   bool
	jsonOut   bool
	actorID   string
	actorName string
	actorMail string
)

var rootCmd = &cobra.Command{
	Use:   "offshootctl",
	Short: "Operate on document forks from the command line",
	Long: `offshootctl talks to the same stores as the API server, configured from
the same environment variables. It is meant for operators: running migrations,
inspecting forks and merging them without going through HTTP.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
		slog.SetDefault(logger)
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().StringVar(&actorID, "as", "operator", "User id recorded as the actor")
	rootCmd.PersistentFlags().StringVar(&actorName, "name", "Operator", "Display name recorded as the actor")
	rootCmd.PersistentFlags().StringVar(&actorMail, "email", "", "E-mail address of the actor")
}

// openRuntime loads configuration and assembles the service. Callers must
// closeRuntime the returned runtime.
func openRuntime(ctx context.Context) (*app.Runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	rt, err := app.Assemble(ctx, cfg, slog.Default())
	if err != nil {
		return nil, fmt.Errorf("initializing offshoot: %w", err)
	}
	return rt, nil
}

func closeRuntime(rt *app.Runtime) {
	if err := rt.Close(); err != nil {
		slog.Warn("close failed", "error", err)
	}
}

// operator is the session every CLI command runs under. Operators are
// trusted with every action.
func operator() app.Session {
	return app.Session{UserID: actorID, UserName: actorName, Email: actorMail, Role: "admin"}
}

func printJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(v); err != nil {
		return fmt.Errorf("encoding JSON: %w", err)
	}
	return nil
}
