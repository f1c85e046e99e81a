// Package naming maps keys to routes and derives task names, parent ids and bucket numbers.
package naming

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// MaxTaskNameLength is the longest task name a queue accepts
const MaxTaskNameLength = 500

const taskNameDomain = "mmate-saga/task/v1"

// TaskName derives a deterministic task name from the target url, the body and the correlation id.
// The readable prefix is truncated so the whole name never exceeds MaxTaskNameLength.
func TaskName(url string, body []byte, correlationID string) string {
	h := sha256.New()
	h.Write([]byte(taskNameDomain))
	h.Write([]byte{0x00})
	h.Write([]byte(url))
	h.Write([]byte{0x00})
	h.Write(body)
	h.Write([]byte{0x00})
	h.Write([]byte(correlationID))
	digest := hex.EncodeToString(h.Sum(nil))

	prefix := sanitize(correlationID)
	if max := MaxTaskNameLength - len(digest) - 1; len(prefix) > max {
		prefix = prefix[:max]
	}
	if prefix == "" {
		return digest
	}
	return prefix + "_" + digest
}

// sanitize keeps the characters queue task names allow
func sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return b.String()
}

// Bucket maps a correlation id to one of n buckets
func Bucket(correlationID string, n int) int {
	if n <= 1 {
		return 0
	}
	return int(xxhash.Sum64String(correlationID) % uint64(n))
}

// ParentID builds the job id of a fan-out started by spawningKey in workflow correlationID
func ParentID(spawningKey, correlationID string) string {
	return spawningKey + ":" + correlationID
}

// SplitParentID reverses ParentID. Keys never contain a colon, correlation ids may.
func SplitParentID(parentID string) (spawningKey, correlationID string, ok bool) {
	i := strings.IndexByte(parentID, ':')
	if i <= 0 || i == len(parentID)-1 {
		return "", "", false
	}
	return parentID[:i], parentID[i+1:], true
}

// KeyFromPath turns a route path relative to the versioned root into a key
func KeyFromPath(path string) string {
	path = strings.Trim(path, "/")
	return strings.ReplaceAll(path, "/", ".")
}

// Path joins route segments into a path relative to the versioned root
func Path(segments ...string) string {
	var b strings.Builder
	for _, s := range segments {
		if s == "" {
			continue
		}
		b.WriteByte('/')
		b.WriteString(s)
	}
	return b.String()
}
