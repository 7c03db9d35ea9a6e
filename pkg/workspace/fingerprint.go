// Package workspace manages the per-job scratch directory, the named file
// writers, the content-addressed archive cache and ZIP finalisation.
package workspace

import (
	"crypto/md5"
	"encoding/hex"
	"io"
	"sort"
)

// Fingerprint derives the stable cache key for a request descriptor. The
// email field is excluded so that identical requests from different
// requesters share a cache entry; the remaining keys are enumerated in
// sorted order as "key:value;" and hashed to 128-bit hex.
func Fingerprint(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		if k == "email" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := md5.New()
	for _, k := range keys {
		io.WriteString(h, k)
		io.WriteString(h, ":")
		io.WriteString(h, params[k])
		io.WriteString(h, ";")
	}
	return hex.EncodeToString(h.Sum(nil))
}
