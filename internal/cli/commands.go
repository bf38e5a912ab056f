package cli

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

// NewLoopCmd — непрерывный режим: главный цикл плюс /healthz и
// /metrics.
func NewLoopCmd(opts *Options, logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "loop",
		Short: "Run the orchestrator loop (default mode)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			app, err := NewApp(ctx, opts, logger)
			if err != nil {
				return err
			}
			defer app.Close()

			mux := http.NewServeMux()
			mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusOK)
				w.Write([]byte("ok"))
			})
			mux.Handle("/metrics", promhttp.Handler())

			port := ":8080"
			if v := os.Getenv("KILN_PORT"); v != "" {
				port = ":" + v
			}
			go func() {
				app.Logger.Info("listening", "addr", port)
				if err := http.ListenAndServe(port, mux); err != nil {
					app.Logger.Error("http server error", "error", err)
				}
			}()

			app.Logger.Info("starting orchestrator loop",
				"production", app.Cfg.Production,
				"undying", app.Cfg.Undying,
				"infer_mode", app.Cfg.InferMode,
			)
			return app.Ctrl.RunForever(ctx)
		},
	}
}

// NewProcessCmd — принудительная обработка одного run.
func NewProcessCmd(opts *Options, logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "process <run-number>",
		Short: "Force-process a single run regardless of its state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			number, err := parseRunNumber(args[0])
			if err != nil {
				return err
			}
			app, err := NewApp(cmd.Context(), opts, logger)
			if err != nil {
				return err
			}
			defer app.Close()
			return app.Ctrl.ProcessOne(cmd.Context(), number)
		},
	}
}

// NewFailCmd — операторский перевод run в failed.
func NewFailCmd(opts *Options, logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "fail <run-number> [reason]",
		Short: "Mark a run as failed",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			number, err := parseRunNumber(args[0])
			if err != nil {
				return err
			}
			reason := ""
			if len(args) > 1 {
				reason = args[1]
			}
			app, err := NewApp(cmd.Context(), opts, logger)
			if err != nil {
				return err
			}
			defer app.Close()
			return app.Ctrl.FailOne(cmd.Context(), number, reason)
		},
	}
}

// NewAbandonCmd — операторский терминальный отказ от run.
func NewAbandonCmd(opts *Options, logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "abandon <run-number> [reason]",
		Short: "Abandon a run permanently (never retried)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			number, err := parseRunNumber(args[0])
			if err != nil {
				return err
			}
			reason := ""
			if len(args) > 1 {
				reason = args[1]
			}
			app, err := NewApp(cmd.Context(), opts, logger)
			if err != nil {
				return err
			}
			defer app.Close()
			return app.Ctrl.AbandonOne(cmd.Context(), number, reason)
		},
	}
}

func parseRunNumber(s string) (int64, error) {
	number, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("run number %q is not a number", s)
	}
	return number, nil
}
