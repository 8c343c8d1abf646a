package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	// Automatically set GOMEMLIMIT based on cgroup memory limits (container
	// or systemd MemoryMax=). If no cgroup limit is detected, GOMEMLIMIT is
	// left at the Go default.
	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/spf13/cobra"

	"github.com/philsphicas/fuselink/internal/metrics"
)

var version = "dev"

func init() {
	_, _ = memlimit.SetGoMemLimitWithOpts(memlimit.WithLogger(nil))
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "fuselink",
		Short: "TOTP-verified WebSocket message relay",
		Long: `Relay JSON messages between peers through a broker. Peers prove
themselves with a time-based one-time password; the broker keeps their
mail in a shared store until the addressee takes it.`,
		SilenceUsage: true,
	}

	// Global flags.
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("metrics-addr", "", "address for Prometheus metrics server (e.g. :9090); disabled if empty")

	rootCmd.AddCommand(serverCmd())
	rootCmd.AddCommand(clientCmd())
	rootCmd.AddCommand(enqueueCmd())
	rootCmd.AddCommand(inboxCmd())
	rootCmd.AddCommand(codeCmd())
	rootCmd.AddCommand(versionCmd())
	return rootCmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func cmdLogger(cmd *cobra.Command) *slog.Logger {
	return newLogger(stringOption(cmd, "log-level", "FUSELINK_LOG_LEVEL", "info"))
}

// resolveMetrics creates a Metrics instance and starts the HTTP server if
// --metrics-addr or FUSELINK_METRICS_ADDR is set. Returns nil if metrics are
// disabled. The provided context controls the server's lifetime.
func resolveMetrics(ctx context.Context, cmd *cobra.Command, logger *slog.Logger) (*metrics.Metrics, error) {
	addr := stringOption(cmd, "metrics-addr", "FUSELINK_METRICS_ADDR", "")
	if addr == "" {
		return nil, nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listen on %s: %w", addr, err)
	}
	m := metrics.New()
	go func() {
		if err := m.Serve(ctx, ln, logger); err != nil {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	return m, nil
}

// Settings resolve in order: flag, FUSELINK_* environment variable, config
// file value.

func stringOption(cmd *cobra.Command, flag, env, file string) string {
	if cmd.Flags().Changed(flag) {
		v, _ := cmd.Flags().GetString(flag)
		return v
	}
	if v := os.Getenv(env); v != "" {
		return v
	}
	return file
}

func intOption(cmd *cobra.Command, flag, env string, file int) (int, error) {
	if cmd.Flags().Changed(flag) {
		return cmd.Flags().GetInt(flag)
	}
	if v := os.Getenv(env); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", env, err)
		}
		return n, nil
	}
	return file, nil
}

func boolOption(cmd *cobra.Command, flag, env string, file bool) (bool, error) {
	if cmd.Flags().Changed(flag) {
		return cmd.Flags().GetBool(flag)
	}
	if v := os.Getenv(env); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, fmt.Errorf("%s: %w", env, err)
		}
		return b, nil
	}
	return file, nil
}

func durationOption(cmd *cobra.Command, flag, env string, file time.Duration) (time.Duration, error) {
	if cmd.Flags().Changed(flag) {
		return cmd.Flags().GetDuration(flag)
	}
	if v := os.Getenv(env); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", env, err)
		}
		return d, nil
	}
	return file, nil
}

func sliceOption(cmd *cobra.Command, flag, env string, file []string) []string {
	if cmd.Flags().Changed(flag) {
		v, _ := cmd.Flags().GetStringSlice(flag)
		return v
	}
	if v := os.Getenv(env); v != "" {
		return strings.Split(v, ",")
	}
	return file
}
