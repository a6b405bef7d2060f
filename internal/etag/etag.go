// Package etag derives HTTP validators from resource representations and
// evaluates conditional request headers against them.
//
// An ETag here is a strong validator: the quoted hex of a BLAKE2b-256
// digest over the JSON encoding of the value. Same state, same tag; any
// change to a serialized field (last_seen_at included) yields a new one.
package etag

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/sakif/identity-service/internal/apperror"
)

// For computes the strong ETag of v.
//
// encoding/json writes struct fields in declaration order and sorts map
// keys, so the digest depends only on the value.
func For(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("etag: encoding value: %w", err)
	}
	sum := blake2b.Sum256(b)
	return `"` + hex.EncodeToString(sum[:]) + `"`, nil
}

// NotModified reports whether a read can be answered with 304.
//
// If-None-Match uses weak comparison (RFC 9110 §13.1.2), so W/"x" matches "x".
// An empty header never matches.
func NotModified(ifNoneMatch, current string) bool {
	return matches(ifNoneMatch, current, false)
}

// CheckWrite guards a mutation with the client's If-Match header.
//
//   - header absent            → apperror.ErrPreconditionRequired
//   - no strong match          → apperror.ErrPreconditionFailed
//   - match (or "*")           → nil, the write may proceed
func CheckWrite(ifMatch, current string) error {
	if strings.TrimSpace(ifMatch) == "" {
		return apperror.PreconditionRequired("If-Match header is required for this request")
	}
	if !matches(ifMatch, current, true) {
		return apperror.PreconditionFailed("resource has been modified; fetch it again and retry")
	}
	return nil
}

// matches checks a comma separated list of entity tags against current.
// With strong set, weak tags on either side never match.
func matches(header, current string, strong bool) bool {
	header = strings.TrimSpace(header)
	if header == "" || current == "" {
		return false
	}
	if header == "*" {
		return true
	}

	cur, curWeak := opaque(current)
	if strong && curWeak {
		return false
	}

	for _, candidate := range strings.Split(header, ",") {
		tag, weak := opaque(strings.TrimSpace(candidate))
		if tag == "" {
			continue
		}
		if strong && weak {
			continue
		}
		if tag == cur {
			return true
		}
	}
	return false
}

// opaque strips the optional W/ prefix and returns the quoted tag.
func opaque(tag string) (string, bool) {
	if strings.HasPrefix(tag, "W/") {
		return tag[2:], true
	}
	return tag, false
}
