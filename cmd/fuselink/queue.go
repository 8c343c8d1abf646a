package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/philsphicas/fuselink/internal/config"
	"github.com/philsphicas/fuselink/internal/mailbox"
	"github.com/philsphicas/fuselink/internal/mailbox/backend"
	"github.com/philsphicas/fuselink/internal/protocol"
)

func addStoreFlag(cmd *cobra.Command) {
	cmd.Flags().String("store", "", "local store of the peer (memory, bolt:PATH, mongodb://...)")
}

func openLocal(ctx context.Context, cmd *cobra.Command) (mailbox.Local, error) {
	dsn := stringOption(cmd, "store", "FUSELINK_STORE", config.DefaultClient().Store)
	local, err := backend.OpenLocal(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return local, nil
}

func enqueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enqueue [payload]",
		Short: "Queue a message or device listing for a peer to send",
		Long: `Append a request to a peer's outbound queue. The running client picks
it up and sends it to the broker.

The payload is sent as a JSON string unless --json is given. Without --to
the message is addressed to the sending peer itself. --devices asks the
broker for the verified peers, optionally filtered by --device-type and
--device-addr.

A bolt: store is locked by the process that opens it. Point enqueue at a
bolt file only while no client holds it; a shared MongoDB store has no
such limit.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runEnqueue,
	}
	addStoreFlag(cmd)
	cmd.Flags().String("to", "", "receiving peer address (host:port) as the broker sees it")
	cmd.Flags().Bool("json", false, "payload is raw JSON")
	cmd.Flags().Bool("devices", false, "request a device listing")
	cmd.Flags().String("device-type", "", "list only peers of this type")
	cmd.Flags().String("device-addr", "", "list only the peer at this address")
	return cmd
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	req, err := buildRequest(cmd, args)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	local, err := openLocal(ctx, cmd)
	if err != nil {
		return err
	}
	defer local.Close()
	if err := local.Enqueue(ctx, req); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	return nil
}

func buildRequest(cmd *cobra.Command, args []string) (*protocol.Request, error) {
	devices, _ := cmd.Flags().GetBool("devices")
	if len(args) == 0 && !devices {
		return nil, errors.New("nothing to enqueue: give a payload or --devices")
	}

	req := &protocol.Request{}
	if len(args) == 1 {
		raw, _ := cmd.Flags().GetBool("json")
		if raw {
			if !json.Valid([]byte(args[0])) {
				return nil, fmt.Errorf("payload is not valid JSON")
			}
			req.Code = json.RawMessage(args[0])
		} else {
			req.Code = protocol.Text(args[0])
		}
		if to, _ := cmd.Flags().GetString("to"); to != "" {
			addr, err := protocol.ParseAddress(to)
			if err != nil {
				return nil, err
			}
			req.Recv = &addr
		}
	}
	if devices {
		f := protocol.DeviceFilter{}
		f.Type, _ = cmd.Flags().GetString("device-type")
		if s, _ := cmd.Flags().GetString("device-addr"); s != "" {
			addr, err := protocol.ParseAddress(s)
			if err != nil {
				return nil, err
			}
			f.Send = &addr
		}
		req.Devices = &f
	}
	return req, nil
}

func inboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inbox",
		Short: "Print what a peer has received",
		Long: `Print the peer's inbound log (broker replies and delivered messages), or
its device table with --devices, as one JSON document per line.

A bolt: store is locked by the process that opens it; inbox fails after a
short wait while a running client holds the file.`,
		Args: cobra.NoArgs,
		RunE: runInbox,
	}
	addStoreFlag(cmd)
	cmd.Flags().Bool("devices", false, "print the device table instead")
	return cmd
}

func runInbox(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	local, err := openLocal(ctx, cmd)
	if err != nil {
		return err
	}
	defer local.Close()

	enc := json.NewEncoder(cmd.OutOrStdout())
	if devices, _ := cmd.Flags().GetBool("devices"); devices {
		recs, err := local.Devices(ctx)
		if err != nil {
			return fmt.Errorf("list devices: %w", err)
		}
		for _, rec := range recs {
			if err := enc.Encode(rec); err != nil {
				return err
			}
		}
		return nil
	}

	frames, err := local.Inbound(ctx)
	if err != nil {
		return fmt.Errorf("list inbound: %w", err)
	}
	for _, f := range frames {
		if err := enc.Encode(f); err != nil {
			return err
		}
	}
	return nil
}
