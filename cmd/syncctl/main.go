// Command syncctl is the operator CLI for the sync engine.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"trailsync/internal/app"
	"trailsync/internal/config"
)

var (
	jsonOutput bool

	rootCmd = &cobra.Command{
		Use:           "syncctl",
		Short:         "Start, inspect and maintain sync jobs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// withApp opens connections for the duration of fn.
func withApp(cmd *cobra.Command, fn func(*app.App) error) error {
	cfg := config.Load()
	a, err := app.Open(cmd.Context(), cfg, app.NewLogger(cfg))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
