package totp

import (
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"hash"
	"strings"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/sha3"
)

// algorithms maps hashlib-style names to HMAC primitives. Digests shorter
// than 20 bytes are left out: dynamic truncation may read past them.
var algorithms = map[string]func() hash.Hash{
	"sha1":     sha1.New,
	"sha224":   sha256.New224,
	"sha256":   sha256.New,
	"sha384":   sha512.New384,
	"sha512":   sha512.New,
	"sha3_224": sha3.New224,
	"sha3_256": sha3.New256,
	"sha3_384": sha3.New384,
	"sha3_512": sha3.New512,
	"blake2b":  newBlake2b,
	"blake2s":  newBlake2s,
}

func newBlake2b() hash.Hash {
	h, _ := blake2b.New512(nil) // unkeyed, cannot fail
	return h
}

func newBlake2s() hash.Hash {
	h, _ := blake2s.New256(nil) // unkeyed, cannot fail
	return h
}

// SupportedAlgorithm reports whether name selects a known digest.
func SupportedAlgorithm(name string) bool {
	_, ok := algorithms[normalizeAlgorithm(name)]
	return ok
}

// lookupAlgorithm resolves name case-insensitively, falling back to sha1.
func lookupAlgorithm(name string) (func() hash.Hash, string) {
	n := normalizeAlgorithm(name)
	if h, ok := algorithms[n]; ok {
		return h, n
	}
	return algorithms[DefaultAlgorithm], DefaultAlgorithm
}

func normalizeAlgorithm(name string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "-", "_")
}
