// Package checksum provides the content-integrity digests shared by the
// protocol codec, the state synchronization manager and the asset streaming
// manager.
//
// Digests detect accidental corruption. They are not an authentication
// mechanism; integrity against an untrusted peer belongs to the transport
// (TLS).
package checksum

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Algorithm names a digest function.
type Algorithm string

const (
	// SHA256 is the default algorithm for message and asset integrity.
	SHA256 Algorithm = "sha256"
	// XXH64 is a fast non-cryptographic hash used for state fingerprints.
	XXH64 Algorithm = "xxh64"
)

// ParseAlgorithm maps a configuration string to an Algorithm.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch Algorithm(s) {
	case SHA256, "":
		return SHA256, nil
	case XXH64:
		return XXH64, nil
	default:
		return "", fmt.Errorf("checksum: unknown algorithm %q", s)
	}
}

// Digest returns the raw digest bytes of data. Unknown algorithms fall back
// to SHA256.
func Digest(alg Algorithm, data []byte) []byte {
	switch alg {
	case XXH64:
		out := make([]byte, 8)
		binary.BigEndian.PutUint64(out, xxhash.Sum64(data))
		return out
	default:
		sum := sha256.Sum256(data)
		return sum[:]
	}
}

// Sum returns the lowercase hex digest of data.
func Sum(alg Algorithm, data []byte) string {
	return hex.EncodeToString(Digest(alg, data))
}

// Verify reports whether want is the hex digest of data. The comparison is
// constant time.
func Verify(alg Algorithm, data []byte, want string) bool {
	got := Sum(alg, data)
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// VerifyDigest is Verify for raw digest bytes.
func VerifyDigest(alg Algorithm, data []byte, want []byte) bool {
	return subtle.ConstantTimeCompare(Digest(alg, data), want) == 1
}

// SumJSON digests the canonical JSON serialization of v. encoding/json sorts
// map keys, so equal documents decoded from JSON yield equal digests.
func SumJSON(alg Algorithm, v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("checksum: marshal: %w", err)
	}
	return Sum(alg, b), nil
}
