package totp

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Unix(1700000005, 0)

func TestRFC6238Vectors(t *testing.T) {
	sha1Seed := "12345678901234567890"
	sha256Seed := "12345678901234567890123456789012"
	sha512Seed := strings.Repeat("1234567890", 6) + "1234"

	tests := []struct {
		seed      string
		algorithm string
		epoch     int64
		want      string
	}{
		{sha1Seed, "sha1", 59, "94287082"},
		{sha1Seed, "sha1", 1111111109, "07081804"},
		{sha1Seed, "SHA1", 2000000000, "69279037"},
		{sha256Seed, "sha256", 59, "46119246"},
		{sha256Seed, "sha256", 1111111109, "68084774"},
		{sha512Seed, "sha512", 59, "90693936"},
		{sha512Seed, "sha512", 1111111109, "25091201"},
	}
	for _, tt := range tests {
		t.Run(tt.algorithm+"/"+tt.want, func(t *testing.T) {
			res, err := EvaluateAt(Params{
				Secret:    tt.seed,
				Digits:    8,
				Interval:  30,
				Algorithm: tt.algorithm,
				Epoch:     tt.epoch,
			}, fixedNow)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Code())
			assert.Equal(t, tt.epoch, res.Exec.UTC)
		})
	}
}

func TestEvaluateIsDeterministic(t *testing.T) {
	p := Params{Secret: "hello", Epoch: 1700000000}
	first, err := EvaluateAt(p, fixedNow)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := EvaluateAt(p, fixedNow.Add(time.Duration(i)*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, first.Code(), again.Code())
		assert.Equal(t, first.Exec.Secret, again.Exec.Secret)
	}
	assert.Equal(t, "593088", first.Code())
}

func TestMissingSecret(t *testing.T) {
	res, err := EvaluateAt(Params{}, fixedNow)
	assert.ErrorIs(t, err, ErrMissingSecret)
	assert.Nil(t, res)
	assert.False(t, res.Matched())
	assert.Empty(t, res.Code())
}

func TestBase32Fallback(t *testing.T) {
	t.Run("raw string is re-encoded", func(t *testing.T) {
		res, err := EvaluateAt(Params{Secret: "12345678901234567890", Epoch: 59}, fixedNow)
		require.NoError(t, err)
		assert.Equal(t, "GEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQ", res.Exec.Secret)
		assert.Equal(t, "12345678901234567890", res.Exec.OriginalSecret)
	})

	t.Run("encoded secret is kept and yields the same code", func(t *testing.T) {
		raw, err := EvaluateAt(Params{Secret: "hello", Epoch: 1700000000}, fixedNow)
		require.NoError(t, err)
		enc, err := EvaluateAt(Params{Secret: "NBSWY3DP", Epoch: 1700000000}, fixedNow)
		require.NoError(t, err)
		assert.Equal(t, "NBSWY3DP", enc.Exec.Secret)
		assert.Equal(t, raw.Code(), enc.Code())
	})

	t.Run("fallback code verifies", func(t *testing.T) {
		gen, err := EvaluateAt(Params{Secret: "not base32 at all!", Epoch: 1234567890}, fixedNow)
		require.NoError(t, err)
		chk, err := EvaluateAt(Params{
			Secret: "not base32 at all!",
			Epoch:  1234567890,
			Extra:  map[string]string{"code": gen.Code()},
		}, fixedNow)
		require.NoError(t, err)
		assert.True(t, chk.Matched())
	})
}

func TestVerdict(t *testing.T) {
	gen, err := EvaluateAt(Params{Secret: "hello", Epoch: 1700000000}, fixedNow)
	require.NoError(t, err)
	assert.False(t, gen.Matched(), "no candidates means no match")

	tests := []struct {
		name  string
		extra map[string]string
		want  bool
	}{
		{"match", map[string]string{"code": gen.Code()}, true},
		{"match among others", map[string]string{"type": "client_x", "code": gen.Code()}, true},
		{"key name is irrelevant", map[string]string{"anything": gen.Code()}, true},
		{"mismatch", map[string]string{"code": "000000"}, false},
		{"empty", map[string]string{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := EvaluateAt(Params{Secret: "hello", Epoch: 1700000000, Extra: tt.extra}, fixedNow)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Matched())
		})
	}
}

func TestCanonicalURI(t *testing.T) {
	res, err := EvaluateAt(Params{Secret: "hello", Epoch: 1700000000}, fixedNow)
	require.NoError(t, err)
	want := "otpauth://totp/default%3A1700000005" +
		"?original_secret=hello&secret=NBSWY3DP&interval=30&digits=6&algorithm=sha1" +
		"&utc=1700000000&label=&issuer=&parameters=%7B%7D"
	assert.Equal(t, want, res.URI())
	assert.Equal(t, int64(1700000005), res.UTC)
}

func TestCanonicalURILabel(t *testing.T) {
	res, err := EvaluateAt(Params{Secret: "hello", Epoch: 1, Label: "fuse link/a:b", Issuer: "x y"}, fixedNow)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(res.URI(), "otpauth://totp/fuse%20link%2Fa%3Ab?"), res.URI())
	assert.Contains(t, res.URI(), "&issuer=x%20y&")
}

func TestURIRoundTrip(t *testing.T) {
	tests := []Params{
		{Secret: "hello", Epoch: 1700000000},
		{Secret: "12345678901234567890", Digits: 8, Algorithm: "sha256", Interval: 60, Epoch: 1111111109},
		{Secret: "JBSWY3DPEHPK3PXP", Digits: 7, Algorithm: "sha512", Interval: 15, Epoch: 99},
	}
	for _, p := range tests {
		t.Run(p.Secret, func(t *testing.T) {
			first, err := EvaluateAt(p, fixedNow)
			require.NoError(t, err)

			again, err := EvaluateAt(Params{Secret: first.URI()}, fixedNow.Add(time.Minute))
			require.NoError(t, err)
			assert.Equal(t, first.Exec.Secret, again.Exec.Secret)
			assert.Equal(t, first.Exec.Interval, again.Exec.Interval)
			assert.Equal(t, first.Exec.Digits, again.Exec.Digits)
			assert.Equal(t, first.Exec.Algorithm, again.Exec.Algorithm)
			assert.Equal(t, first.Exec.UTC, again.Exec.UTC)
			assert.Equal(t, first.Code(), again.Code())
		})
	}
}

func TestURIOverridesExplicitParams(t *testing.T) {
	uri := "otpauth://totp/x?secret=NBSWY3DP&period=60&digits=8&algorithm=SHA256&utc=1111111109&issuer=acme&foo=bar"
	res, err := EvaluateAt(Params{Secret: uri, Digits: 6, Interval: 30, Algorithm: "sha1", Epoch: 5}, fixedNow)
	require.NoError(t, err)
	assert.Equal(t, "NBSWY3DP", res.Exec.Secret)
	assert.Equal(t, 60, res.Exec.Interval)
	assert.Equal(t, 8, res.Exec.Digits)
	assert.Equal(t, "sha256", res.Exec.Algorithm)
	assert.Equal(t, int64(1111111109), res.Exec.UTC)
	assert.Equal(t, "acme", res.Exec.Issuer)
	assert.NotContains(t, res.Exec.Parameters, "foo")
}

func TestDegradedParameters(t *testing.T) {
	res, err := EvaluateAt(Params{Secret: "hello", Algorithm: "md4", Digits: 42, Interval: -1, Epoch: 1700000000}, fixedNow)
	require.NoError(t, err)
	assert.Equal(t, "sha1", res.Exec.Algorithm)
	assert.Equal(t, DefaultDigits, res.Exec.Digits)
	assert.Equal(t, DefaultInterval, res.Exec.Interval)
	assert.Equal(t, "593088", res.Code())
}

func TestExtendedAlgorithms(t *testing.T) {
	tests := map[string]string{
		"sha3_256": "088799",
		"sha3-256": "088799",
		"blake2b":  "948018",
	}
	for alg, want := range tests {
		t.Run(alg, func(t *testing.T) {
			assert.True(t, SupportedAlgorithm(alg))
			res, err := EvaluateAt(Params{Secret: "hello", Algorithm: alg, Epoch: 1700000000}, fixedNow)
			require.NoError(t, err)
			assert.Equal(t, want, res.Code())
		})
	}
	assert.False(t, SupportedAlgorithm("md5"))
}

func TestZeroEpochUsesNow(t *testing.T) {
	res, err := EvaluateAt(Params{Secret: "hello"}, fixedNow)
	require.NoError(t, err)
	assert.Equal(t, fixedNow.Unix(), res.Exec.UTC)

	pinned, err := EvaluateAt(Params{Secret: "hello", Epoch: fixedNow.Unix()}, time.Unix(0, 1))
	require.NoError(t, err)
	assert.Equal(t, pinned.Code(), res.Code())
}

func TestRedacted(t *testing.T) {
	res, err := EvaluateAt(Params{Secret: "hello", Extra: map[string]string{"code": "1"}}, fixedNow)
	require.NoError(t, err)
	r := res.Redacted()
	assert.Empty(t, r.Exec.Secret)
	assert.Empty(t, r.Exec.OriginalSecret)
	assert.Empty(t, r.URI())
	assert.Equal(t, res.Code(), r.Code())
	assert.Equal(t, "NBSWY3DP", res.Exec.Secret, "original is untouched")
}

func TestParamsFromMap(t *testing.T) {
	p := ParamsFromMap(map[string]string{
		"secret":     "s",
		"interval":   "15",
		"period":     "45",
		"digits":     "8",
		"algorithm":  "sha256",
		"utc":        "59",
		"label":      "l",
		"issuer":     "i",
		"code":       "123456",
		"totp_debug": "true",
	})
	assert.Equal(t, "s", p.Secret)
	assert.Equal(t, 45, p.Interval)
	assert.Equal(t, 8, p.Digits)
	assert.Equal(t, "sha256", p.Algorithm)
	assert.Equal(t, int64(59), p.Epoch)
	assert.Equal(t, map[string]string{"code": "123456", "totp_debug": "true"}, p.Extra)
}

func TestEscape(t *testing.T) {
	assert.Equal(t, "a-b_c.d~e", Escape("a-b_c.d~e"))
	assert.Equal(t, "%2F%3A%3D%26%20%25", Escape("/:=& %"))
}

func TestEvaluateWindow(t *testing.T) {
	now := time.Unix(1700000000, 0)
	next, err := EvaluateAt(Params{Secret: "hello", Epoch: now.Unix() + DefaultInterval}, now)
	require.NoError(t, err)
	prev, err := EvaluateAt(Params{Secret: "hello", Epoch: now.Unix() - DefaultInterval}, now)
	require.NoError(t, err)

	t.Run("exact step only", func(t *testing.T) {
		res, err := EvaluateWindow(Params{Secret: "hello", Extra: map[string]string{"code": next.Code()}}, now, 0)
		require.NoError(t, err)
		assert.False(t, res.Matched())
	})

	t.Run("neighbouring steps", func(t *testing.T) {
		for _, cand := range []*Result{next, prev} {
			res, err := EvaluateWindow(Params{Secret: "hello", Extra: map[string]string{"code": cand.Code()}}, now, 1)
			require.NoError(t, err)
			assert.True(t, res.Matched())
			assert.Equal(t, cand.Exec.UTC, res.Exec.UTC)
		}
	})

	t.Run("current step wins", func(t *testing.T) {
		cur, err := EvaluateAt(Params{Secret: "hello"}, now)
		require.NoError(t, err)
		res, err := EvaluateWindow(Params{Secret: "hello", Extra: map[string]string{"code": cur.Code()}}, now, 3)
		require.NoError(t, err)
		assert.True(t, res.Matched())
		assert.Equal(t, now.Unix(), res.Exec.UTC)
	})

	t.Run("explicit epoch disables the window", func(t *testing.T) {
		res, err := EvaluateWindow(Params{Secret: "hello", Epoch: now.Unix(), Extra: map[string]string{"code": next.Code()}}, time.Unix(1800000000, 0), 1)
		require.NoError(t, err)
		assert.False(t, res.Matched())
	})

	t.Run("missing secret", func(t *testing.T) {
		_, err := EvaluateWindow(Params{}, now, 1)
		assert.ErrorIs(t, err, ErrMissingSecret)
	})
}
