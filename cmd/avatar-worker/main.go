// The avatar-worker binary hosts the job runtime outside the managed
// platform: a long-lived serve loop for queue-driven work, a one-shot
// run command for local smoke tests, and a migrate command for the
// ledger schema. Configuration comes from the environment; a local
// .env file is honored when present.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "avatar-worker:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "avatar-worker",
		Short:         "Avatar video generation worker",
		Long:          "Runs avatar video jobs: fetch inputs, drive the generation engine, upload the artifact, report one result per job.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCommand())
	root.AddCommand(newRunCommand())
	root.AddCommand(newMigrateCommand())
	return root
}
