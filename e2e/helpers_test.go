//go:build e2e

package e2e

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"
)

// requireMongo returns the MongoDB URI from E2E_MONGO_URI and skips if it
// is not set.
func requireMongo(t *testing.T) string {
	t.Helper()
	uri := os.Getenv("E2E_MONGO_URI")
	if uri == "" {
		t.Skip("E2E_MONGO_URI must be set for e2e tests")
	}
	return uri
}

// mongoStore returns a DSN for a database private to this test and role.
func mongoStore(t *testing.T, uri, role string) string {
	t.Helper()
	u, err := url.Parse(uri)
	if err != nil {
		t.Fatalf("parse E2E_MONGO_URI: %v", err)
	}
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	u.Path = fmt.Sprintf("/e2e_%s_%s_%d", name, role, time.Now().UnixNano()%1e6)
	return u.String()
}

var (
	buildOnce   sync.Once
	builtBinary string
	buildErr    error
)

// fuselinkBinary builds the fuselink binary once and returns its path.
func fuselinkBinary(t *testing.T) string {
	t.Helper()
	buildOnce.Do(func() {
		// Find the repo root (parent of e2e/).
		dir, _ := os.Getwd()
		root := filepath.Dir(dir)
		if _, err := os.Stat(filepath.Join(root, "go.mod")); err != nil {
			// Try current dir if we're running from root.
			root = dir
		}
		builtBinary = filepath.Join(root, "bin", "fuselink")
		cmd := exec.Command("go", "build", "-o", builtBinary, "./cmd/fuselink")
		cmd.Dir = root
		out, err := cmd.CombinedOutput()
		if err != nil {
			buildErr = fmt.Errorf("build: %w\n%s", err, out)
		}
	})
	if buildErr != nil {
		t.Fatalf("build fuselink: %v", buildErr)
	}
	return builtBinary
}

// fuselinkProcess represents a running fuselink process with log capture.
type fuselinkProcess struct {
	cmd  *exec.Cmd
	logs *logBuffer
}

// logBuffer is a thread-safe buffer that captures log output and supports
// waiting for specific log messages.
type logBuffer struct {
	mu      sync.Mutex
	lines   []string
	partial string // incomplete line from previous Write
	waiters []logWaiter
}

type logWaiter struct {
	substr string
	ch     chan string
}

func (lb *logBuffer) Write(p []byte) (int, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	data := lb.partial + string(p)
	lb.partial = ""

	for {
		i := strings.IndexByte(data, '\n')
		if i == -1 {
			lb.partial = data
			break
		}
		line := data[:i]
		data = data[i+1:]
		lb.lines = append(lb.lines, line)
		remaining := lb.waiters[:0]
		for _, w := range lb.waiters {
			if strings.Contains(line, w.substr) {
				select {
				case w.ch <- line:
				default:
				}
			} else {
				remaining = append(remaining, w)
			}
		}
		lb.waiters = remaining
	}
	return len(p), nil
}

// String returns all captured log lines joined with newlines.
func (lb *logBuffer) String() string {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return strings.Join(lb.lines, "\n")
}

// waitFor blocks until a log line containing substr appears, or times out.
func (lb *logBuffer) waitFor(substr string, timeout time.Duration) (string, bool) {
	ch := make(chan string, 1)

	lb.mu.Lock()
	for _, line := range lb.lines {
		if strings.Contains(line, substr) {
			lb.mu.Unlock()
			return line, true
		}
	}
	lb.waiters = append(lb.waiters, logWaiter{substr: substr, ch: ch})
	lb.mu.Unlock()

	select {
	case line := <-ch:
		return line, true
	case <-time.After(timeout):
		lb.mu.Lock()
		for i, w := range lb.waiters {
			if w.ch == ch {
				lb.waiters = append(lb.waiters[:i], lb.waiters[i+1:]...)
				break
			}
		}
		lb.mu.Unlock()
		return "", false
	}
}

// startFuselink starts a fuselink process with the given args. The process
// runs in a private directory so its config file does not leak between
// tests, and is killed on test cleanup.
func startFuselink(t *testing.T, args ...string) *fuselinkProcess {
	t.Helper()
	cmd := exec.Command(fuselinkBinary(t), args...)
	cmd.Dir = t.TempDir()
	cmd.Env = os.Environ()

	logs := &logBuffer{}
	cmd.Stderr = logs // fuselink logs to stderr
	cmd.Stdout = os.Stdout

	if err := cmd.Start(); err != nil {
		t.Fatalf("start fuselink %v: %v", args, err)
	}
	t.Cleanup(func() {
		if cmd.Process != nil {
			cmd.Process.Kill()
		}
		cmd.Wait()
	})
	return &fuselinkProcess{cmd: cmd, logs: logs}
}

// startBroker starts a broker on a random port and returns it with its
// listen address.
func startBroker(t *testing.T, store string, extraArgs ...string) (*fuselinkProcess, string) {
	t.Helper()
	args := append([]string{
		"server",
		"--port", "0",
		"--store", store,
		"--log-level", "debug",
	}, extraArgs...)
	proc := startFuselink(t, args...)
	addr := waitForLogAddr(t, proc, "broker listening", 15*time.Second)
	return proc, addr
}

// startClient starts a peer and returns it with the address the broker
// knows it by.
func startClient(t *testing.T, brokerAddr, store string, extraArgs ...string) (*fuselinkProcess, string) {
	t.Helper()
	args := append([]string{
		"client",
		"--uri", brokerAddr,
		"--store", store,
		"--log-level", "debug",
	}, extraArgs...)
	proc := startFuselink(t, args...)
	addr := waitForLogAddr(t, proc, "verified by broker", 15*time.Second)
	return proc, addr
}

// run runs a fuselink command to completion and returns its stdout.
func run(t *testing.T, args ...string) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, fuselinkBinary(t), args...)
	cmd.Dir = t.TempDir()
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		t.Fatalf("fuselink %v: %v\n%s", args, err, stderr.String())
	}
	return stdout.String()
}

// runExpectFail runs a fuselink command expecting non-zero exit. Returns stderr output.
func runExpectFail(t *testing.T, timeout time.Duration, args ...string) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, fuselinkBinary(t), args...)
	cmd.Dir = t.TempDir()
	cmd.Env = os.Environ()
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.Stdout = io.Discard

	if err := cmd.Run(); err == nil {
		t.Fatal("expected non-zero exit, but command succeeded")
	}
	return stderr.String()
}

// waitForOutput reruns a command until its stdout contains substr.
func waitForOutput(t *testing.T, substr string, timeout time.Duration, args ...string) string {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		out := run(t, args...)
		if strings.Contains(out, substr) {
			return out
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %q in output of %v; last output:\n%s", substr, args, out)
		}
		time.Sleep(200 * time.Millisecond)
	}
}

// waitForLog waits for a log line containing the given substring.
func waitForLog(t *testing.T, proc *fuselinkProcess, substr string, timeout time.Duration) string {
	t.Helper()
	line, ok := proc.logs.waitFor(substr, timeout)
	if !ok {
		t.Fatalf("timed out waiting for log: %q\n%s", substr, proc.logs.String())
	}
	return line
}

// addrRe extracts addr=host:port from log lines.
var addrRe = regexp.MustCompile(`addr=([^\s]+)`)

// waitForLogAddr waits for a log line and extracts the addr= value.
func waitForLogAddr(t *testing.T, proc *fuselinkProcess, substr string, timeout time.Duration) string {
	t.Helper()
	line := waitForLog(t, proc, substr, timeout)
	m := addrRe.FindStringSubmatch(line)
	if m == nil {
		t.Fatalf("no addr= in log line: %s", line)
	}
	return m[1]
}

// httpGet fetches url and returns the status and body.
func httpGet(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body)
}

// assertNoUsageDump checks that stderr doesn't contain cobra usage output.
func assertNoUsageDump(t *testing.T, output string) {
	t.Helper()
	if strings.Contains(output, "Usage:") && strings.Contains(output, "Flags:") {
		t.Error("stderr contains cobra usage dump; expected clean error only")
	}
}
