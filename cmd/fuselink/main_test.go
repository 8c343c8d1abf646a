package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/philsphicas/fuselink/internal/mailbox/backend"
	"github.com/philsphicas/fuselink/internal/protocol"
	"github.com/philsphicas/fuselink/internal/relay"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		input   string
		wantLvl slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"DEBUG", slog.LevelDebug},  // case-insensitive
		{"unknown", slog.LevelInfo}, // default
		{"", slog.LevelInfo},        // empty defaults to info
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			logger := newLogger(tt.input)
			if !logger.Enabled(context.Background(), tt.wantLvl) {
				t.Errorf("newLogger(%q): expected level %v to be enabled", tt.input, tt.wantLvl)
			}
			if tt.wantLvl > slog.LevelDebug && logger.Enabled(context.Background(), slog.LevelDebug) {
				t.Errorf("newLogger(%q): Debug should be disabled for level %v", tt.input, tt.wantLvl)
			}
		})
	}
}

// execute runs the root command with args and returns its stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

// makeOptionCmd parses args against a command with one flag of each kind.
func makeOptionCmd(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "test", RunE: func(*cobra.Command, []string) error { return nil }}
	cmd.Flags().String("host", "", "")
	cmd.Flags().Int("port", 0, "")
	cmd.Flags().Bool("debug", false, "")
	cmd.Flags().Duration("timeout", 0, "")
	cmd.Flags().StringSlice("allow", nil, "")
	if err := cmd.ParseFlags(args); err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}
	return cmd
}

func TestOptionPrecedence(t *testing.T) {
	t.Run("file value when nothing else is set", func(t *testing.T) {
		t.Setenv("FUSELINK_HOST", "")
		cmd := makeOptionCmd(t)
		if got := stringOption(cmd, "host", "FUSELINK_HOST", "file-host"); got != "file-host" {
			t.Errorf("got %q, want file-host", got)
		}
		if got, _ := intOption(cmd, "port", "FUSELINK_PORT_UNSET", 10000); got != 10000 {
			t.Errorf("got %d, want 10000", got)
		}
	})

	t.Run("env beats file", func(t *testing.T) {
		t.Setenv("FUSELINK_HOST", "env-host")
		t.Setenv("FUSELINK_DEBUG", "true")
		t.Setenv("FUSELINK_ALLOW", "10.0.0.0/8:*,127.0.0.1:9000")
		cmd := makeOptionCmd(t)
		if got := stringOption(cmd, "host", "FUSELINK_HOST", "file-host"); got != "env-host" {
			t.Errorf("got %q, want env-host", got)
		}
		if got, err := boolOption(cmd, "debug", "FUSELINK_DEBUG", false); err != nil || !got {
			t.Errorf("got %v, %v; want true", got, err)
		}
		allow := sliceOption(cmd, "allow", "FUSELINK_ALLOW", nil)
		if len(allow) != 2 || allow[1] != "127.0.0.1:9000" {
			t.Errorf("allow = %v", allow)
		}
	})

	t.Run("flag beats env", func(t *testing.T) {
		t.Setenv("FUSELINK_HOST", "env-host")
		t.Setenv("FUSELINK_TIMEOUT", "1s")
		cmd := makeOptionCmd(t, "--host", "flag-host", "--timeout", "3s")
		if got := stringOption(cmd, "host", "FUSELINK_HOST", "file-host"); got != "flag-host" {
			t.Errorf("got %q, want flag-host", got)
		}
		if got, _ := durationOption(cmd, "timeout", "FUSELINK_TIMEOUT", time.Second); got != 3*time.Second {
			t.Errorf("got %v, want 3s", got)
		}
	})

	t.Run("bad env value", func(t *testing.T) {
		t.Setenv("FUSELINK_PORT", "ten thousand")
		cmd := makeOptionCmd(t)
		if _, err := intOption(cmd, "port", "FUSELINK_PORT", 10000); err == nil {
			t.Error("expected error for non-numeric FUSELINK_PORT")
		}
	})
}

func TestResolveToken(t *testing.T) {
	t.Run("static token", func(t *testing.T) {
		t.Setenv("FUSELINK_TOKEN", "tok")
		tp, err := resolveToken("api://ignored/.default")
		if err != nil {
			t.Fatal(err)
		}
		static, ok := tp.(*relay.StaticTokenProvider)
		if !ok || static.Token != "tok" {
			t.Errorf("got %#v, want static token", tp)
		}
	})

	t.Run("none", func(t *testing.T) {
		t.Setenv("FUSELINK_TOKEN", "")
		tp, err := resolveToken("")
		if err != nil || tp != nil {
			t.Errorf("got %v, %v; want no provider", tp, err)
		}
	})
}

func TestCodeCommand(t *testing.T) {
	// RFC 6238 appendix B, SHA-1, T = 59.
	const secret = "12345678901234567890"

	out, err := execute(t, "code", secret, "--at", "59", "--digits", "8")
	if err != nil {
		t.Fatalf("code: %v", err)
	}
	if got := strings.TrimSpace(out); got != "94287082" {
		t.Errorf("code = %q, want 94287082", got)
	}

	if _, err := execute(t, "code", secret, "--at", "59", "--digits", "8", "--verify", "94287082"); err != nil {
		t.Errorf("verify matching code: %v", err)
	}
	if _, err := execute(t, "code", secret, "--at", "59", "--digits", "8", "--verify", "00000000"); !errors.Is(err, errCodeMismatch) {
		t.Errorf("verify wrong code = %v, want errCodeMismatch", err)
	}

	out, err = execute(t, "code", secret, "--at", "59", "--json")
	if err != nil {
		t.Fatalf("code --json: %v", err)
	}
	var res struct {
		Res struct {
			Code string `json:"code"`
		} `json:"res"`
	}
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if res.Res.Code != "287082" {
		t.Errorf("json code = %q, want 287082", res.Res.Code)
	}
}

func TestEnqueueAndInbox(t *testing.T) {
	dsn := "bolt:" + filepath.Join(t.TempDir(), "peer.db")

	if _, err := execute(t, "enqueue", "--store", dsn, "--to", "10.0.0.7:5000", "hello"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := execute(t, "enqueue", "--store", dsn, "--devices", "--device-type", "sensor"); err != nil {
		t.Fatalf("enqueue --devices: %v", err)
	}
	if _, err := execute(t, "enqueue", "--store", dsn); err == nil {
		t.Error("enqueue without payload succeeded")
	}
	if _, err := execute(t, "enqueue", "--store", dsn, "--json", "{not json"); err == nil {
		t.Error("enqueue with invalid JSON succeeded")
	}

	ctx := context.Background()
	local, err := backend.OpenLocal(ctx, dsn)
	if err != nil {
		t.Fatal(err)
	}
	first, err := local.Dequeue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if first.Recv == nil || *first.Recv != (protocol.Address{Host: "10.0.0.7", Port: 5000}) {
		t.Errorf("recv = %v", first.Recv)
	}
	if string(first.Code) != `"hello"` {
		t.Errorf("code = %s", first.Code)
	}
	second, err := local.Dequeue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if second.Devices == nil || second.Devices.Type != "sensor" {
		t.Errorf("devices = %+v", second.Devices)
	}

	f := protocol.Frame{UTC: 1, Code: protocol.Text("from afar")}
	if err := local.SaveInbound(ctx, &f); err != nil {
		t.Fatal(err)
	}
	local.Close()

	out, err := execute(t, "inbox", "--store", dsn)
	if err != nil {
		t.Fatalf("inbox: %v", err)
	}
	if !strings.Contains(out, `"from afar"`) {
		t.Errorf("inbox output %q lacks the saved frame", out)
	}
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out) != version {
		t.Errorf("version = %q, want %q", out, version)
	}
}
