//go:build e2e

// Package e2e contains end-to-end tests that run the fuselink binary: a
// broker and its peers as separate processes sharing MongoDB. Tests are
// gated behind the "e2e" build tag and require:
//
//   - E2E_MONGO_URI: MongoDB server (e.g. mongodb://127.0.0.1:27017)
//
// Every test uses its own databases.
//
// Run: go test -tags=e2e -timeout=10m ./e2e/...
package e2e

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// TestRelayBetweenPeers sends one message from A to B through the broker.
func TestRelayBetweenPeers(t *testing.T) {
	mongo := requireMongo(t)
	_, broker := startBroker(t, mongoStore(t, mongo, "broker"))

	storeB := mongoStore(t, mongo, "b")
	_, addrB := startClient(t, broker, storeB)
	storeA := mongoStore(t, mongo, "a")
	_, addrA := startClient(t, broker, storeA)

	run(t, "enqueue", "--store", storeA, "--to", addrB, "ping")

	out := waitForOutput(t, `"ping"`, 15*time.Second, "inbox", "--store", storeB)
	host, port := splitAddr(t, addrA)
	if !strings.Contains(out, fmt.Sprintf(`"send":[%q,%s]`, host, port)) {
		t.Errorf("delivery does not name sender %s:\n%s", addrA, out)
	}

	// The sender records the outcome without the storage id.
	out = waitForOutput(t, `"status":true`, 15*time.Second, "inbox", "--store", storeA)
	if strings.Contains(out, `"mongo"`) {
		t.Errorf("outcome keeps the storage id:\n%s", out)
	}
}

// TestEchoToSelf verifies a message without --to comes back to its sender.
func TestEchoToSelf(t *testing.T) {
	mongo := requireMongo(t)
	_, broker := startBroker(t, mongoStore(t, mongo, "broker"))
	store := mongoStore(t, mongo, "a")
	startClient(t, broker, store)

	run(t, "enqueue", "--store", store, "--json", `{"reading": 21.5}`)
	out := waitForOutput(t, `"status":true`, 15*time.Second, "inbox", "--store", store)
	if n := countLines(out, `"reading"`); n < 2 {
		t.Errorf("want outcome and echo, got %d matching frames:\n%s", n, out)
	}
}

// TestDeviceListing verifies a peer can list the verified peers.
func TestDeviceListing(t *testing.T) {
	mongo := requireMongo(t)
	_, broker := startBroker(t, mongoStore(t, mongo, "broker"))

	startClient(t, broker, mongoStore(t, mongo, "b"), "--type", "sensor")
	store := mongoStore(t, mongo, "a")
	startClient(t, broker, store, "--type", "console")

	run(t, "enqueue", "--store", store, "--devices", "--device-type", "sensor")
	out := waitForOutput(t, `"sensor"`, 15*time.Second, "inbox", "--store", store, "--devices")
	if strings.Contains(out, `"console"`) {
		t.Errorf("filtered listing includes the console peer:\n%s", out)
	}
}

// TestSharedSecret verifies the broker accepts only peers holding its secret.
func TestSharedSecret(t *testing.T) {
	mongo := requireMongo(t)
	_, broker := startBroker(t, mongoStore(t, mongo, "broker"), "--secret", "e2e team secret")

	startClient(t, broker, "memory", "--secret", "e2e team secret")

	output := runExpectFail(t, 30*time.Second,
		"client", "--uri", broker, "--store", "memory", "--secret", "wrong secret")
	assertNoUsageDump(t, output)
	if !strings.Contains(output, "handshake rejected") {
		t.Errorf("expected handshake rejection, got:\n%s", output)
	}
}

// TestDisconnectCleansUp verifies mail for a peer that left is purged.
func TestDisconnectCleansUp(t *testing.T) {
	mongo := requireMongo(t)
	brokerProc, broker := startBroker(t, mongoStore(t, mongo, "broker"))

	peerB, addrB := startClient(t, broker, mongoStore(t, mongo, "b"))
	peerB.cmd.Process.Kill()
	waitForLog(t, brokerProc, "session cleaned up", 15*time.Second)

	storeA := mongoStore(t, mongo, "a")
	startClient(t, broker, storeA)
	run(t, "enqueue", "--store", storeA, "--to", addrB, "anyone there?")
	waitForOutput(t, `"status":false`, 15*time.Second, "inbox", "--store", storeA)
}

// TestBrokerHTTP checks the plain HTTP endpoints next to the WebSocket.
func TestBrokerHTTP(t *testing.T) {
	mongo := requireMongo(t)
	_, broker := startBroker(t, mongoStore(t, mongo, "broker"))

	status, body := httpGet(t, "http://"+broker+"/")
	if status != 200 || strings.TrimSpace(body) != "null" {
		t.Errorf("GET / = %d %q, want 200 null", status, body)
	}

	status, body = httpGet(t, "http://"+broker+"/code?secret=12345678901234567890&utc=59&digits=8")
	if status != 200 || !strings.Contains(body, `"94287082"`) {
		t.Errorf("GET /code = %d %s", status, body)
	}

	status, body = httpGet(t, "http://"+broker+"/healthz")
	var h struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal([]byte(body), &h); err != nil || status != 200 || h.Status != "ok" {
		t.Errorf("GET /healthz = %d %s", status, body)
	}
}

// TestMetricsEndpoint verifies the broker exports session and message metrics.
func TestMetricsEndpoint(t *testing.T) {
	mongo := requireMongo(t)
	brokerProc, broker := startBroker(t, mongoStore(t, mongo, "broker"), "--metrics-addr", "127.0.0.1:0")
	metricsAddr := waitForLogAddr(t, brokerProc, "metrics server listening", 15*time.Second)

	store := mongoStore(t, mongo, "a")
	startClient(t, broker, store)
	run(t, "enqueue", "--store", store, "hello")
	waitForOutput(t, `"status":true`, 15*time.Second, "inbox", "--store", store)

	_, text := httpGet(t, "http://"+metricsAddr+"/metrics")
	assertMetricGE(t, text, "fuselink_active_sessions", 1)
	assertMetricGE(t, text, "fuselink_messages_total", 2)
	if !strings.Contains(text, "go_goroutines") {
		t.Error("metrics output missing go_goroutines")
	}
}

// TestConfigFileWritten verifies a first run leaves a config file behind.
func TestConfigFileWritten(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server_config.json")
	proc := startFuselink(t, "server", "--config", path, "--port", "0", "--store", "memory")
	waitForLog(t, proc, "broker listening", 15*time.Second)

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("config file not written: %v", err)
	}
	var cfg map[string]any
	if err := json.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("config file is not JSON: %v", err)
	}
	if cfg["host"] != "127.0.0.1" {
		t.Errorf("host = %v, want default 127.0.0.1", cfg["host"])
	}
}

// --- negative tests ---

// TestNoBroker verifies a clean error when nothing listens at the broker address.
func TestNoBroker(t *testing.T) {
	output := runExpectFail(t, 30*time.Second, "client", "--uri", "127.0.0.1:1", "--store", "memory")
	assertNoUsageDump(t, output)
	if !strings.Contains(output, "dial broker") {
		t.Errorf("expected dial error, got:\n%s", output)
	}
}

// TestBadStore verifies a clean error for an unsupported store DSN.
func TestBadStore(t *testing.T) {
	output := runExpectFail(t, 15*time.Second, "server", "--port", "0", "--store", "redis://localhost")
	assertNoUsageDump(t, output)
	if !strings.Contains(output, "unsupported store") {
		t.Errorf("expected store error, got:\n%s", output)
	}
}

// TestWrongCode verifies the code command fails on a mismatched code.
func TestWrongCode(t *testing.T) {
	output := runExpectFail(t, 15*time.Second, "code", "12345678901234567890", "--at", "59", "--verify", "000000")
	assertNoUsageDump(t, output)
}

func splitAddr(t *testing.T, addr string) (string, string) {
	t.Helper()
	i := strings.LastIndexByte(addr, ':')
	if i < 0 {
		t.Fatalf("bad address %q", addr)
	}
	return strings.Trim(addr[:i], "[]"), addr[i+1:]
}

func countLines(text, substr string) int {
	n := 0
	scanner := bufio.NewScanner(strings.NewReader(text))
	for scanner.Scan() {
		if strings.Contains(scanner.Text(), substr) {
			n++
		}
	}
	return n
}

// assertMetricGE checks that the sum of all samples for a metric name is >= want.
func assertMetricGE(t *testing.T, metricsText, metricName string, want float64) {
	t.Helper()
	total := sumMetric(metricsText, metricName)
	if total < want {
		t.Errorf("%s = %v, want >= %v", metricName, total, want)
	}
}

// sumMetric sums all sample values for lines matching the metric name (not comments/histograms).
func sumMetric(text, name string) float64 {
	var total float64
	scanner := bufio.NewScanner(strings.NewReader(text))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, name+"{") || strings.HasPrefix(line, name+" ") {
			parts := strings.Fields(line)
			if len(parts) >= 2 {
				var v float64
				fmt.Sscanf(parts[len(parts)-1], "%f", &v)
				total += v
			}
		}
	}
	return total
}
