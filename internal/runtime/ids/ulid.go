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

// NewMessageID returns a time-sortable ULID used as the AMQP message id of
// published messages.
func NewMessageID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	return id.String()
}

// Timestamp extracts the creation time from a message id produced by
// NewMessageID. The second result is false for ids that are not ULIDs.
func Timestamp(messageID string) (time.Time, bool) {
	id, err := ulid.ParseStrict(messageID)
	if err != nil {
		return time.Time{}, false
	}
	return ulid.Time(id.Time()), true
}
