// Package ids generates ULIDs for request and audit event
// correlation. Entity ids stay numeric in the database; these exist
// only so log lines across services sort by time of arrival.
package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// New returns a fresh lexicographically sortable identifier. The
// monotonic entropy source keeps ids ordered even within one
// millisecond.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}
