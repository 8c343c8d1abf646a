// Package totp implements the time-based one-time password engine used by
// both sides of the relay handshake (RFC 6238).
//
// A single pure function serves two purposes: called with no candidate codes
// it generates a code and an otpauth URI to send; called with candidates it
// also reports whether the freshly computed code matches any of them.
package totp

import (
	"crypto/hmac"
	"crypto/subtle"
	"encoding/base32"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"maps"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultInterval  = 30
	DefaultDigits    = 6
	DefaultAlgorithm = "sha1"

	maxDigits = 10
)

// ErrMissingSecret is the only hard failure of the engine.
var ErrMissingSecret = errors.New("totp: missing secret")

// Params are the inputs of one evaluation. Zero values take the defaults.
type Params struct {
	// Secret is a raw string, a base32 secret, or an otpauth URI whose query
	// overrides the other fields.
	Secret    string
	Interval  int
	Digits    int
	Algorithm string
	// Epoch is the unix time to evaluate at; 0 means now.
	Epoch  int64
	Label  string
	Issuer string
	// Extra carries caller fields. Its values are the candidate codes.
	Extra map[string]string
}

// Exec records the effective parameters of an evaluation.
type Exec struct {
	OriginalSecret string            `json:"original_secret"`
	Secret         string            `json:"secret"`
	Interval       int               `json:"interval"`
	Digits         int               `json:"digits"`
	Algorithm      string            `json:"algorithm"`
	UTC            int64             `json:"utc"`
	Label          string            `json:"label"`
	Issuer         string            `json:"issuer"`
	Parameters     map[string]string `json:"parameters"`
}

// Verdict is the outcome part of a Result.
type Verdict struct {
	Verif      bool   `json:"verif"`
	Code       string `json:"code"`
	OtpauthURI string `json:"otpauth_uri"`
}

// Result is the full record of one evaluation, in the shape carried on the
// wire inside handshake replies.
type Result struct {
	UTC  int64   `json:"utc"`
	Exec Exec    `json:"exec"`
	Res  Verdict `json:"res"`
}

// Matched reports whether the computed code was among the candidates.
func (r *Result) Matched() bool { return r != nil && r.Res.Verif }

// Code returns the computed code.
func (r *Result) Code() string {
	if r == nil {
		return ""
	}
	return r.Res.Code
}

// URI returns the canonical otpauth URI.
func (r *Result) URI() string {
	if r == nil {
		return ""
	}
	return r.Res.OtpauthURI
}

// Redacted returns a copy without secret material.
func (r *Result) Redacted() *Result {
	if r == nil {
		return nil
	}
	c := *r
	c.Exec.Parameters = maps.Clone(r.Exec.Parameters)
	c.Exec.OriginalSecret = ""
	c.Exec.Secret = ""
	c.Res.OtpauthURI = ""
	delete(c.Exec.Parameters, "secret")
	delete(c.Exec.Parameters, "original_secret")
	return &c
}

// Evaluate runs the engine against the current time.
func Evaluate(p Params) (*Result, error) {
	return EvaluateAt(p, time.Now())
}

// EvaluateAt runs the engine with now as the reference clock. The code only
// depends on (secret, interval, digits, algorithm, epoch); now is used when
// the epoch is zero and for the default label.
func EvaluateAt(p Params, now time.Time) (*Result, error) {
	if p.Secret == "" {
		return nil, ErrMissingSecret
	}
	nowUnix := now.Unix()

	params := maps.Clone(p.Extra)
	if params == nil {
		params = map[string]string{}
	}
	exec := Exec{
		OriginalSecret: p.Secret,
		Secret:         p.Secret,
		Interval:       p.Interval,
		Digits:         p.Digits,
		Algorithm:      p.Algorithm,
		UTC:            p.Epoch,
		Label:          p.Label,
		Issuer:         p.Issuer,
		Parameters:     params,
	}
	if v, ok := params["original_secret"]; ok {
		exec.OriginalSecret = v
	}
	if strings.Contains(p.Secret, "otpauth") {
		applyURI(&exec, p.Secret)
	}
	if exec.UTC == 0 {
		exec.UTC = nowUnix
	}
	if exec.Interval <= 0 {
		exec.Interval = DefaultInterval
	}
	if exec.Digits <= 0 || exec.Digits > maxDigits {
		exec.Digits = DefaultDigits
	}
	newHash, name := lookupAlgorithm(exec.Algorithm)
	exec.Algorithm = name

	var key []byte
	exec.Secret, key = canonicalSecret(exec.Secret)

	counter := int64(0)
	if exec.UTC > 0 {
		counter = exec.UTC / int64(exec.Interval)
	}
	code := hotp(newHash, key, uint64(counter), exec.Digits)

	label := exec.Label
	if label == "" {
		label = "default:" + strconv.FormatInt(nowUnix, 10)
	}

	return &Result{
		UTC:  nowUnix,
		Exec: exec,
		Res: Verdict{
			Verif:      matchAny(code, params),
			Code:       code,
			OtpauthURI: buildURI(label, &exec),
		},
	}, nil
}

// EvaluateWindow is EvaluateAt that also accepts a candidate matching one of
// the skew neighbouring time steps on either side of now. The first
// matching evaluation is returned. An explicit epoch disables the window.
func EvaluateWindow(p Params, now time.Time, skew int) (*Result, error) {
	res, err := EvaluateAt(p, now)
	if err != nil || res.Matched() || skew <= 0 || res.Exec.UTC != now.Unix() {
		return res, err
	}
	step := int64(res.Exec.Interval)
	for k := 1; k <= skew; k++ {
		for _, d := range [2]int64{-int64(k), int64(k)} {
			q := p
			q.Epoch = now.Unix() + d*step
			alt, err := EvaluateAt(q, now)
			if err == nil && alt.Matched() {
				return alt, nil
			}
		}
	}
	return res, nil
}

// canonicalSecret returns the base32 form of s and the key bytes. Strings
// that do not decode as base32 are taken as raw bytes and encoded.
func canonicalSecret(s string) (string, []byte) {
	if key, err := base32.StdEncoding.DecodeString(s); err == nil {
		return s, key
	}
	return base32.StdEncoding.EncodeToString([]byte(s)), []byte(s)
}

func hotp(newHash func() hash.Hash, key []byte, counter uint64, digits int) string {
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], counter)

	mac := hmac.New(newHash, key)
	_, _ = mac.Write(msg[:])
	sum := mac.Sum(nil)
	offset := sum[len(sum)-1] & 0x0f
	bin := uint64(sum[offset]&0x7f)<<24 |
		uint64(sum[offset+1])<<16 |
		uint64(sum[offset+2])<<8 |
		uint64(sum[offset+3])

	mod := uint64(1)
	for range digits {
		mod *= 10
	}
	return fmt.Sprintf("%0*d", digits, bin%mod)
}

func matchAny(code string, candidates map[string]string) bool {
	matched := false
	for _, v := range candidates {
		if subtle.ConstantTimeCompare([]byte(v), []byte(code)) == 1 {
			matched = true
		}
	}
	return matched
}
