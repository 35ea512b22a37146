package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "modeld:", err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:   "modeld",
		Short: "Manage on-device model artifacts and the inference resources built from them",
		Long: `modeld downloads, verifies and caches model artifacts, and keeps the
memory-heavy inference resources built from them alive only while they
are needed.

Settings come from an optional config file and MODELD_* environment
variables, e.g. MODELD_CACHE_ROOT or MODELD_REMOTE_BASE_URL.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to a config file (yaml, json or toml)")

	root.AddCommand(
		newServeCmd(&cfgPath),
		newPullCmd(&cfgPath),
		newStatusCmd(&cfgPath),
		newRmCmd(&cfgPath),
		newClearCmd(&cfgPath),
		newDuCmd(&cfgPath),
	)
	return root
}
