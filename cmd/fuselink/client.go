package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/philsphicas/fuselink/internal/config"
	"github.com/philsphicas/fuselink/internal/mailbox/backend"
	"github.com/philsphicas/fuselink/internal/peer"
	"github.com/philsphicas/fuselink/internal/relay"
)

func clientCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Run a peer connected to a broker",
		Long: `Connect to a broker, verify with a TOTP handshake, then forward the
requests queued in the local store (see "fuselink enqueue") and record
replies, deliveries and device listings there (see "fuselink inbox").

Settings come from flags, then FUSELINK_* environment variables, then the
config file, which is created with defaults when missing.`,
		Args: cobra.NoArgs,
		RunE: runClient,
	}

	cmd.Flags().String("config", config.ClientFile, "peer config file")
	cmd.Flags().String("uri", "", "broker address (host, host:port or ws[s]:// URL)")
	cmd.Flags().String("store", "", "local store (memory, bolt:PATH, mongodb://...)")
	cmd.Flags().String("secret", "", "shared TOTP secret configured on the broker")
	cmd.Flags().String("type", "", "peer type announced in the handshake (default client_<random>)")
	cmd.Flags().Bool("debug", false, "ask the broker to log the code it computed")
	cmd.Flags().Bool("reconnect", false, "reconnect with backoff instead of exiting when the session ends")
	cmd.Flags().String("entra-scope", "", "present an Entra ID token for this scope to the broker's ingress")
	cmd.Flags().Duration("reply-timeout", 0, "time to wait for the broker's replies to a request")
	cmd.Flags().Duration("dial-timeout", 0, "keep retrying the initial dial for this long (0 = one attempt)")

	return cmd
}

func runClient(cmd *cobra.Command, args []string) error {
	logger := cmdLogger(cmd)

	path, _ := cmd.Flags().GetString("config")
	file, err := config.LoadClient(path, logger)
	if err != nil {
		return err
	}

	uri, err := relay.ParseBrokerURL(stringOption(cmd, "uri", "FUSELINK_URI", file.URI))
	if err != nil {
		return err
	}
	dsn := stringOption(cmd, "store", "FUSELINK_STORE", file.Store)
	secret := stringOption(cmd, "secret", "FUSELINK_SECRET", file.Secret)
	typ := stringOption(cmd, "type", "FUSELINK_TYPE", file.Type)
	debug, err := boolOption(cmd, "debug", "FUSELINK_DEBUG", file.Debug)
	if err != nil {
		return err
	}
	reconnect, err := boolOption(cmd, "reconnect", "FUSELINK_RECONNECT", file.Reconnect)
	if err != nil {
		return err
	}
	replyTimeout, err := durationOption(cmd, "reply-timeout", "FUSELINK_REPLY_TIMEOUT", file.ReplyTimeout.Duration())
	if err != nil {
		return err
	}
	dialTimeout, err := durationOption(cmd, "dial-timeout", "FUSELINK_DIAL_TIMEOUT", 0)
	if err != nil {
		return err
	}
	tp, err := resolveToken(stringOption(cmd, "entra-scope", "FUSELINK_ENTRA_SCOPE", file.EntraScope))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m, err := resolveMetrics(ctx, cmd, logger)
	if err != nil {
		return err
	}

	local, err := backend.OpenLocal(ctx, dsn)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer local.Close()

	cfg := peer.Config{
		Local: local,
		Dial: relay.DialConfig{
			URL:           uri,
			TokenProvider: tp,
			Header:        file.Headers(),
			Compression:   file.Compression,
			ReadLimit:     file.MaxSize,
			Timeout:       file.OpenTimeout.Duration(),
			NoProxy:       !file.Proxy,
		},
		DialTimeout:  dialTimeout,
		Secret:       secret,
		Type:         typ,
		Debug:        debug,
		ReplyTimeout: replyTimeout,
		MaxQueue:     file.MaxQueue,
		PingInterval: file.PingInterval.Duration(),
		PingTimeout:  file.PingTimeout.Duration(),
		Logger:       logger,
		Metrics:      m,
	}

	if reconnect {
		err = peer.RunSupervised(ctx, cfg)
	} else {
		err = peer.Run(ctx, cfg)
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// resolveToken picks the ingress credential: FUSELINK_TOKEN as a static
// bearer token, else an Entra ID token when a scope is given, else none.
func resolveToken(scope string) (relay.TokenProvider, error) {
	if token := os.Getenv("FUSELINK_TOKEN"); token != "" {
		return &relay.StaticTokenProvider{Token: token}, nil
	}
	if scope == "" {
		return nil, nil
	}
	entra, err := relay.NewEntraTokenProvider(scope)
	if err != nil {
		return nil, fmt.Errorf("entra auth for scope %q: %w", scope, err)
	}
	return entra, nil
}
