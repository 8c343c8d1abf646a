// Package protocol defines the wire format of the fuselink relay.
//
// A session opens with one handshake exchange (one text WebSocket message
// in each direction). After that every message is a JSON text frame of the
// shape {utc, network, code}, except for device listings, which answer with
// a bare integer count frame followed by that many record frames.
package protocol

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/philsphicas/fuselink/internal/totp"
)

// DeviceMarker is the key that turns a relay frame into a device listing
// request. The spelling is part of the deployed protocol.
const DeviceMarker = "@decive"

// QueueDeviceMarker is the marker used in locally queued requests. Queued
// items may use either spelling; the wire always carries DeviceMarker.
const QueueDeviceMarker = "@device"

// Handshake reply texts.
const (
	VerifySucceeded = "Verification successful! You can now proceed with your operation."
	VerifyFailed    = "Verification failed! The OTP is invalid or has expired."
	VerifyTimedOut  = "Verification timed out."
)

var (
	// ErrMissingNetwork is returned for relay frames without a network field.
	ErrMissingNetwork = errors.New("frame has no network")
	// ErrShortReply is returned when the broker sends fewer reply frames
	// than the reply contract requires before the deadline.
	ErrShortReply = errors.New("short reply from broker")
)

// Address is one side of a transport connection. It is the only key that
// correlates sessions. On the wire it is a [host, port] array.
type Address struct {
	Host string
	Port int
}

// ParseAddress parses "host:port".
func ParseAddress(s string) (Address, error) {
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return Address{}, fmt.Errorf("parse address %q: %w", s, err)
	}
	n, err := strconv.Atoi(port)
	if err != nil {
		return Address{}, fmt.Errorf("parse address %q: bad port", s)
	}
	return Address{Host: host, Port: n}, nil
}

func (a Address) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// IsZero reports whether a is unset.
func (a Address) IsZero() bool { return a.Host == "" && a.Port == 0 }

func (a Address) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{a.Host, a.Port})
}

func (a *Address) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*a = Address{}
		return nil
	}
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("address: %w", err)
	}
	if len(pair) != 2 {
		return fmt.Errorf("address: want [host, port], got %d elements", len(pair))
	}
	var host string
	if err := json.Unmarshal(pair[0], &host); err != nil {
		return fmt.Errorf("address host: %w", err)
	}
	var port int
	if err := json.Unmarshal(pair[1], &port); err != nil {
		return fmt.Errorf("address port: %w", err)
	}
	*a = Address{Host: host, Port: port}
	return nil
}

// Network names both ends of a relay message.
type Network struct {
	Send Address `json:"send"`
	Recv Address `json:"recv"`
}

// HandshakeRequest is the first frame a peer sends. The broker evaluates
// its fields as TOTP parameters; type, code and any other field become
// candidate codes.
type HandshakeRequest struct {
	Type      string `json:"type"`
	Secret    string `json:"secret,omitempty"`
	Code      string `json:"code"`
	TOTPDebug bool   `json:"totp_debug,omitempty"`
}

// DecodeParams flattens a handshake frame into string fields. Numbers and
// booleans keep their JSON text; nested values are kept as compact JSON.
func DecodeParams(data []byte) (map[string]string, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode handshake: %w", err)
	}
	if raw == nil {
		return nil, errors.New("decode handshake: not an object")
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			out[k] = s
			continue
		}
		var buf bytes.Buffer
		if err := json.Compact(&buf, v); err != nil {
			return nil, fmt.Errorf("decode handshake field %q: %w", k, err)
		}
		if buf.String() == "null" {
			continue
		}
		out[k] = buf.String()
	}
	return out, nil
}

// Record is a connection record. The broker keeps one per connection and
// one per verified address, sends one as the handshake reply, and answers
// device listings with them.
type Record struct {
	UTC     int64           `json:"utc"`
	Verif   *totp.Result    `json:"verif"`
	Network Network         `json:"network"`
	Code    json.RawMessage `json:"code"`
}

// Verified reports whether the record carries a matching verdict.
func (r *Record) Verified() bool { return r != nil && r.Verif.Matched() }

// Type returns the peer type announced in the handshake.
func (r *Record) Type() string {
	if r == nil || r.Verif == nil {
		return ""
	}
	return r.Verif.Exec.Parameters["type"]
}

// Message returns the code field when it is a plain string.
func (r *Record) Message() string {
	var s string
	_ = json.Unmarshal(r.Code, &s)
	return s
}

// Text encodes s as a JSON string.
func Text(s string) json.RawMessage {
	b, _ := json.Marshal(s) // string, cannot fail
	return b
}

// Frame is the relay unit. Fields other than utc, network and code are not
// carried; in particular a handshake verdict never travels to another peer.
type Frame struct {
	UTC     int64           `json:"utc,omitempty"`
	Network *Network        `json:"network,omitempty"`
	Code    json.RawMessage `json:"code,omitempty"`
}

// Key identifies a frame by (network, code) for inbound upserts. Object
// keys in code are compared in sorted order.
func (f *Frame) Key() string {
	h := sha256.New()
	if f.Network != nil {
		fmt.Fprintf(h, "%s|%s|", f.Network.Send, f.Network.Recv)
	}
	h.Write(canonicalJSON(f.Code))
	return hex.EncodeToString(h.Sum(nil))
}

func canonicalJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	b, err := json.Marshal(v)
	if err != nil {
		return raw
	}
	return b
}

// Outcome is the code object of a relay reply.
type Outcome struct {
	Status bool `json:"status"`
	// StorageID names the stored message. The key is kept for
	// compatibility with deployed peers.
	StorageID string          `json:"mongo,omitempty"`
	Send      *Address        `json:"send,omitempty"`
	Recv      *Address        `json:"recv,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Reply builds the relay reply for f: f itself with its code replaced by
// the outcome of the store attempt.
func Reply(f Frame, accepted bool, storageID string) Frame {
	out := Outcome{Status: accepted, StorageID: storageID, Data: f.Code}
	if f.Network != nil {
		send, recv := f.Network.Send, f.Network.Recv
		out.Send, out.Recv = &send, &recv
	}
	code, _ := json.Marshal(out) // plain struct, cannot fail
	f.Code = code
	return f
}

// ErrorFrame reports err inline. An object code gains an "error" key; any
// other code is replaced by {"error": ...}.
func ErrorFrame(f Frame, err error) Frame {
	obj := map[string]json.RawMessage{}
	if len(f.Code) > 0 {
		if json.Unmarshal(f.Code, &obj) != nil || obj == nil {
			obj = map[string]json.RawMessage{}
		}
	}
	obj["error"] = Text(err.Error())
	f.Code, _ = json.Marshal(obj) // map of raw JSON, cannot fail
	return f
}

// ParseOutcome returns the outcome carried by f, if f is a relay reply
// (its code is an object with a "status" or "error" key).
func ParseOutcome(f Frame) (Outcome, bool) {
	var keys map[string]json.RawMessage
	if json.Unmarshal(f.Code, &keys) != nil || keys == nil {
		return Outcome{}, false
	}
	_, hasStatus := keys["status"]
	_, hasError := keys["error"]
	if !hasStatus && !hasError {
		return Outcome{}, false
	}
	var out Outcome
	if err := json.Unmarshal(f.Code, &out); err != nil {
		return Outcome{}, false
	}
	return out, true
}

// StripStorageID removes the storage identifier from a relay reply so that
// equal replies persist under the same key.
func StripStorageID(f Frame) Frame {
	var obj map[string]json.RawMessage
	if json.Unmarshal(f.Code, &obj) != nil || obj == nil {
		return f
	}
	if _, ok := obj["mongo"]; !ok {
		return f
	}
	delete(obj, "mongo")
	f.Code, _ = json.Marshal(obj) // map of raw JSON, cannot fail
	return f
}

// ReplyTo returns the outcome carried by reply if reply answers sent: the
// same network, and for a status the same send, recv and payload. A
// delivery whose payload merely looks like an outcome does not match.
func ReplyTo(sent, reply Frame) (Outcome, bool) {
	out, ok := ParseOutcome(reply)
	if !ok {
		return Outcome{}, false
	}
	if out.Error != "" {
		// Frames the broker could not decode are answered without a network.
		if reply.Network != nil && !sameNetwork(sent.Network, reply.Network) {
			return Outcome{}, false
		}
		return out, bytes.Equal(withoutError(reply.Code), objectJSON(sent.Code))
	}
	if !sameNetwork(sent.Network, reply.Network) || out.Send == nil || out.Recv == nil {
		return Outcome{}, false
	}
	if sent.Network == nil || *out.Send != sent.Network.Send || *out.Recv != sent.Network.Recv {
		return Outcome{}, false
	}
	return out, bytes.Equal(canonicalJSON(out.Data), canonicalJSON(sent.Code))
}

func sameNetwork(a, b *Network) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// withoutError is the canonical form of an error reply's code with the
// error key removed. ErrorFrame keeps the keys of an object code and drops
// any other code.
func withoutError(code json.RawMessage) []byte {
	var obj map[string]json.RawMessage
	if json.Unmarshal(code, &obj) != nil {
		return nil
	}
	delete(obj, "error")
	if len(obj) == 0 {
		return nil
	}
	b, _ := json.Marshal(obj) // map of raw JSON, cannot fail
	return canonicalJSON(b)
}

// objectJSON is the canonical form of code if it is a non-empty object.
func objectJSON(code json.RawMessage) []byte {
	var obj map[string]json.RawMessage
	if json.Unmarshal(code, &obj) != nil || len(obj) == 0 {
		return nil
	}
	return canonicalJSON(code)
}

// RelayReplies is the fixed reply contract of one relay request: the
// outcome frame, plus the echoed delivery when the request was accepted and
// addressed the sender itself.
type RelayReplies struct {
	Outcome Outcome
	Echo    bool
}

// Expect returns the contract for a request sent by self, once its outcome
// is known.
func Expect(out Outcome, self Address) RelayReplies {
	echo := out.Status && out.Recv != nil && *out.Recv == self
	return RelayReplies{Outcome: out, Echo: echo}
}

// Frames returns the number of frames the contract covers.
func (r RelayReplies) Frames() int {
	if r.Echo {
		return 2
	}
	return 1
}

// DeviceFilter narrows a device listing. The zero value matches every
// verified peer.
type DeviceFilter struct {
	Type string   `json:"type,omitempty"`
	Send *Address `json:"send,omitempty"`
}

// Match reports whether rec passes the filter.
func (f DeviceFilter) Match(rec *Record) bool {
	if f.Type != "" && rec.Type() != f.Type {
		return false
	}
	if f.Send != nil && rec.Network.Send != *f.Send {
		return false
	}
	return true
}

// DeviceListing encodes a listing request code.
func DeviceListing(f DeviceFilter) json.RawMessage {
	b, _ := json.Marshal(map[string]DeviceFilter{DeviceMarker: f}) // cannot fail
	return b
}

// ParseDeviceListing reports whether code is a device listing request and
// returns its filter.
func ParseDeviceListing(code json.RawMessage) (DeviceFilter, bool, error) {
	var obj map[string]json.RawMessage
	if json.Unmarshal(code, &obj) != nil {
		return DeviceFilter{}, false, nil
	}
	raw, ok := obj[DeviceMarker]
	if !ok {
		return DeviceFilter{}, false, nil
	}
	var f DeviceFilter
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &f); err != nil {
			return DeviceFilter{}, true, fmt.Errorf("device filter: %w", err)
		}
	}
	return f, true, nil
}

// CountFrame encodes the count that precedes a device listing.
func CountFrame(n int) []byte { return []byte(strconv.Itoa(n)) }

// ParseCount decodes a count frame.
func ParseCount(data []byte) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse count frame: %w", err)
	}
	if n < 0 {
		return 0, fmt.Errorf("parse count frame: negative count %d", n)
	}
	return n, nil
}

// Request is an item of a peer's local outbound queue: a payload relay, a
// device listing, or both.
type Request struct {
	// Recv addresses the payload; nil means the sender itself.
	Recv    *Address
	Code    json.RawMessage
	Devices *DeviceFilter
}

type requestNetwork struct {
	Recv *Address `json:"recv,omitempty"`
}

func (r Request) MarshalJSON() ([]byte, error) {
	obj := map[string]any{}
	if r.Recv != nil {
		obj["network"] = requestNetwork{Recv: r.Recv}
	}
	if r.Code != nil {
		obj["code"] = r.Code
	}
	if r.Devices != nil {
		obj[QueueDeviceMarker] = r.Devices
	}
	return json.Marshal(obj)
}

func (r *Request) UnmarshalJSON(data []byte) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("request: %w", err)
	}
	*r = Request{}
	if code, ok := obj["code"]; ok {
		r.Code = code
	}
	if raw, ok := obj["network"]; ok {
		var n requestNetwork
		if err := json.Unmarshal(raw, &n); err != nil {
			return fmt.Errorf("request network: %w", err)
		}
		r.Recv = n.Recv
	}
	for _, marker := range []string{QueueDeviceMarker, DeviceMarker} {
		raw, ok := obj[marker]
		if !ok {
			continue
		}
		var f DeviceFilter
		if len(raw) > 0 && string(raw) != "null" {
			if err := json.Unmarshal(raw, &f); err != nil {
				return fmt.Errorf("request %s: %w", marker, err)
			}
		}
		r.Devices = &f
		break
	}
	return nil
}

// IsRelay reports whether the request carries a payload.
func (r *Request) IsRelay() bool { return r.Code != nil }
