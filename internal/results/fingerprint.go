package results

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sort"
	"strings"
)

// FingerprintInput names the semantically relevant parts of a derived-result
// request. Two logically identical requests must fingerprint identically no
// matter which user sent them or how their filters were ordered.
type FingerprintInput struct {
	ContentHash string
	Kind        string
	Query       string
	Filters     map[string]string
}

// Fingerprint computes a stable, order-independent key for a result. Each
// component is length-prefixed before hashing so concatenation ambiguity
// cannot collide two different inputs.
func Fingerprint(in FingerprintInput) string {
	h := sha256.New()

	writeField := func(s string) {
		var n [8]byte
		binary.BigEndian.PutUint64(n[:], uint64(len(s)))
		h.Write(n[:])
		h.Write([]byte(s))
	}

	writeField(in.ContentHash)
	writeField(in.Kind)
	writeField(strings.TrimSpace(strings.ToLower(in.Query)))

	keys := make([]string, 0, len(in.Filters))
	for k := range in.Filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		writeField(k)
		writeField(in.Filters[k])
	}

	return hex.EncodeToString(h.Sum(nil))
}
