// Kiln — оркестратор обработки runs на хостах event builder.
//
// Kiln крутит бесконечный цикл: атомарно захватывает runs из общего
// реестра, выводит план targets и ресурсы, запускает compute job под
// надзором и валидирует результат. Экземпляры на разных хостах
// координируются только через реестр.
//
// Использование:
//
//	kiln [flags]                        # непрерывный цикл
//	kiln process <run-number> [flags]   # принудительно обработать run
//	kiln fail <run-number> [reason]     # пометить run как failed
//	kiln abandon <run-number> [reason]  # бросить run навсегда
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/shaiso/Kiln/internal/cli"
	"github.com/shaiso/Kiln/internal/telemetry"
)

// version задаётся через ldflags при сборке.
var version = "dev"

func main() {
	logger := telemetry.SetupLogger()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	opts := &cli.Options{}

	rootCmd := &cobra.Command{
		Use:           "kiln",
		Short:         "Kiln — run processing orchestrator",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.BoolVar(&opts.Production, "production", false,
		"Mutate the shared registry (otherwise dry-run against a sandbox)")
	pf.BoolVar(&opts.Undying, "undying", false,
		"Catch fatal loop errors, log them and restart after a delay")
	pf.BoolVar(&opts.InferMode, "infer-mode", false,
		"Infer cores/messages/timeout from the data rate")
	pf.BoolVar(&opts.DeleteLive, "delete-live", false,
		"Delete live data after a run is done")
	pf.BoolVar(&opts.FixTarget, "fix-target", false,
		"Never override the configured targets for special run modes")
	pf.BoolVar(&opts.FixResources, "fix-resources", false,
		"Never scale resources down after failures")
	pf.BoolVar(&opts.IgnoreChecks, "ignore-checks", false,
		"Skip result validation (dangerous)")
	pf.IntVar(&opts.Cores, "cores", 0, "Default compute job workers")
	pf.IntVar(&opts.MaxMessages, "max-messages", 0, "Default compute job message ceiling")
	pf.StringSliceVar(&opts.Targets, "targets", nil, "Override the target list")
	pf.StringSliceVar(&opts.PostProcess, "post-process", nil, "Override the post-process list")

	loopCmd := cli.NewLoopCmd(opts, logger)
	rootCmd.AddCommand(
		loopCmd,
		cli.NewProcessCmd(opts, logger),
		cli.NewFailCmd(opts, logger),
		cli.NewAbandonCmd(opts, logger),
	)

	// Без подкоманды — непрерывный цикл.
	rootCmd.RunE = loopCmd.RunE

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
