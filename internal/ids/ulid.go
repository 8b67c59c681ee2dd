// Package ids generates the opaque identifiers used on the wire and in logs.
package ids

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// New returns a ULID string (26 chars) stamped with now.
// ULIDs sort by creation time, which keeps connection and envelope ids readable in logs.
func New(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Must is New for call sites that cannot surface an error (envelope ids).
// crypto/rand failures are unrecoverable on supported platforms.
func Must(now time.Time) string {
	id, err := New(now)
	if err != nil {
		panic("ids: entropy source failed: " + err.Error())
	}
	return id
}
