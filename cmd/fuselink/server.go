package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/awnumar/memguard"
	"github.com/spf13/cobra"

	"github.com/philsphicas/fuselink/internal/broker"
	"github.com/philsphicas/fuselink/internal/config"
	"github.com/philsphicas/fuselink/internal/mailbox/backend"
)

func serverCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the relay broker",
		Long: `Accept peer connections, verify each with a TOTP handshake and relay
messages between verified peers through the mailbox store.

Settings come from flags, then FUSELINK_* environment variables, then the
config file, which is created with defaults when missing.`,
		Args: cobra.NoArgs,
		RunE: runServer,
	}

	cmd.Flags().String("config", config.ServerFile, "broker config file")
	cmd.Flags().String("host", "", "listen host")
	cmd.Flags().Int("port", 0, "listen port")
	cmd.Flags().String("store", "", "mailbox store (memory, bolt:PATH, mongodb://..., postgres://...)")
	cmd.Flags().String("secret", "", "shared TOTP secret; peers then send only a code")
	cmd.Flags().Duration("handshake-timeout", 0, "time a peer has to send its handshake")
	cmd.Flags().Int("max-sessions", 0, "max concurrent peer sessions (0 = unlimited)")
	cmd.Flags().Int("skew", 0, "time steps of clock skew accepted either side")
	cmd.Flags().StringSlice("allow", nil, "allowed peer addresses (host:port, CIDR:port, CIDR:*)")

	return cmd
}

func runServer(cmd *cobra.Command, args []string) error {
	logger := cmdLogger(cmd)

	path, _ := cmd.Flags().GetString("config")
	file, err := config.LoadServer(path, logger)
	if err != nil {
		return err
	}

	host := stringOption(cmd, "host", "FUSELINK_HOST", file.Host)
	port, err := intOption(cmd, "port", "FUSELINK_PORT", file.Port)
	if err != nil {
		return err
	}
	dsn := stringOption(cmd, "store", "FUSELINK_STORE", file.Store)
	secret := stringOption(cmd, "secret", "FUSELINK_SECRET", file.Secret)
	handshakeTimeout, err := durationOption(cmd, "handshake-timeout", "FUSELINK_HANDSHAKE_TIMEOUT", file.HandshakeTimeout.Duration())
	if err != nil {
		return err
	}
	maxSessions, err := intOption(cmd, "max-sessions", "FUSELINK_MAX_SESSIONS", file.MaxSessions)
	if err != nil {
		return err
	}
	if maxSessions < 0 {
		return fmt.Errorf("--max-sessions must be >= 0, got %d", maxSessions)
	}
	skew, err := intOption(cmd, "skew", "FUSELINK_SKEW", file.Skew)
	if err != nil {
		return err
	}
	allow := sliceOption(cmd, "allow", "FUSELINK_ALLOW", file.AllowList)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m, err := resolveMetrics(ctx, cmd, logger)
	if err != nil {
		return err
	}

	kind, _, err := backend.Parse(dsn)
	if err != nil {
		return err
	}
	store, err := backend.OpenStore(ctx, dsn)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()
	logger.Info("mailbox store opened", "kind", kind)

	sealed := broker.SealSecret(secret)
	defer memguard.Purge()

	srv, err := broker.New(broker.Config{
		Store:            store,
		Secret:           sealed,
		Skew:             skew,
		HandshakeTimeout: handshakeTimeout,
		OpenTimeout:      file.OpenTimeout.Duration(),
		PingInterval:     file.PingInterval.Duration(),
		PingTimeout:      file.PingTimeout.Duration(),
		MaxSessions:      maxSessions,
		ReadLimit:        file.MaxSize,
		Compression:      file.Compression,
		OriginPatterns:   file.Origins,
		AllowList:        allow,
		Logger:           logger,
		Metrics:          m,
	})
	if err != nil {
		return err
	}
	file.Host, file.Port = host, port
	return srv.ListenAndServe(ctx, file.Addr())
}
