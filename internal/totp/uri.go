package totp

import (
	"encoding/json"
	"net/url"
	"strconv"
	"strings"
)

// buildURI renders the canonical otpauth URI. The query field order is
// fixed: original_secret, secret, interval, digits, algorithm, utc, label,
// issuer, parameters.
func buildURI(label string, e *Exec) string {
	params, _ := json.Marshal(e.Parameters) // map[string]string, cannot fail
	fields := [][2]string{
		{"original_secret", e.OriginalSecret},
		{"secret", e.Secret},
		{"interval", strconv.Itoa(e.Interval)},
		{"digits", strconv.Itoa(e.Digits)},
		{"algorithm", e.Algorithm},
		{"utc", strconv.FormatInt(e.UTC, 10)},
		{"label", e.Label},
		{"issuer", e.Issuer},
		{"parameters", string(params)},
	}
	var b strings.Builder
	b.WriteString("otpauth://totp/")
	b.WriteString(Escape(label))
	for i, f := range fields {
		if i == 0 {
			b.WriteByte('?')
		} else {
			b.WriteByte('&')
		}
		b.WriteString(Escape(f[0]))
		b.WriteByte('=')
		b.WriteString(Escape(f[1]))
	}
	return b.String()
}

// applyURI overrides exec fields from an otpauth URI query. Blank and
// unparseable values are ignored, as are unknown fields.
func applyURI(e *Exec, raw string) {
	u, err := url.Parse(raw)
	if err != nil {
		return
	}
	q := u.Query()
	get := func(k string) (string, bool) {
		v := q.Get(k)
		return v, v != ""
	}
	if v, ok := get("secret"); ok {
		e.Secret = v
	}
	if v, ok := get("interval"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			e.Interval = n
		}
	}
	if v, ok := get("period"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			e.Interval = n
		}
	}
	if v, ok := get("digits"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			e.Digits = n
		}
	}
	if v, ok := get("algorithm"); ok {
		e.Algorithm = v
	}
	if v, ok := get("utc"); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			e.UTC = n
		}
	}
	if v, ok := get("label"); ok {
		e.Label = v
	}
	if v, ok := get("issuer"); ok {
		e.Issuer = v
	}
}

// Escape percent-encodes everything outside the RFC 3986 unreserved set.
// url.QueryEscape and url.PathEscape both leave characters such as '/' or
// ':' alone in some positions, which would change the canonical URI.
func Escape(s string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUnreserved(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hex[c>>4])
		b.WriteByte(hex[c&0x0f])
	}
	return b.String()
}

func isUnreserved(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	case c == '-', c == '.', c == '_', c == '~':
		return true
	}
	return false
}

// ParamsFromMap builds Params from loosely typed fields, as found in a
// handshake frame or an HTTP query. Known keys fill the matching field;
// every other key becomes an Extra entry (a candidate code).
func ParamsFromMap(m map[string]string) Params {
	p := Params{Extra: map[string]string{}}
	for k, v := range m {
		switch k {
		case "secret":
			p.Secret = v
		case "interval":
			if p.Interval == 0 {
				p.Interval, _ = strconv.Atoi(v)
			}
		case "period":
			p.Interval, _ = strconv.Atoi(v)
		case "digits":
			p.Digits, _ = strconv.Atoi(v)
		case "algorithm":
			p.Algorithm = v
		case "utc":
			p.Epoch, _ = strconv.ParseInt(v, 10, 64)
		case "label":
			p.Label = v
		case "issuer":
			p.Issuer = v
		default:
			p.Extra[k] = v
		}
	}
	return p
}
