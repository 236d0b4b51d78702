// Package cursor implements the opaque continuation tokens returned by
// paginated queries. Callers must pass tokens back unchanged.
package cursor

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// Key is a position in a keyset-paginated result.
// Format: base64url("<ms>|<id>"). The id breaks ties within one timestamp;
// listings that sort on a plain string key leave Ms at zero.
type Key struct {
	Ms int64  // Unix milliseconds of the sort timestamp
	ID string // row identifier within the timestamp
}

// Encode returns the wire form of k, or "" for the zero key.
func Encode(k Key) string {
	if k.Ms == 0 && k.ID == "" {
		return ""
	}
	raw := fmt.Sprintf("%d|%s", k.Ms, k.ID)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Decode parses a wire token. Returns false for empty or malformed input;
// malformed tokens are treated as absent, restarting the listing.
func Decode(s string) (Key, bool) {
	if s == "" {
		return Key{}, false
	}

	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Key{}, false
	}

	ms, id, found := strings.Cut(string(b), "|")
	if !found {
		return Key{}, false
	}

	n, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return Key{}, false
	}

	return Key{Ms: n, ID: id}, true
}
