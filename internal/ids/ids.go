// Package ids generates identifiers: lexicographically time-ordered ULIDs for
// messages and random UUIDs for everything else.
package ids

import (
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// Generator produces message identifiers.
type Generator struct {
	entropy io.Reader
}

// NewGenerator returns a generator backed by ulid's process-wide monotonic
// entropy source, which is safe for concurrent use.
func NewGenerator() *Generator {
	return &Generator{entropy: ulid.DefaultEntropy()}
}

// MessageID returns a 26 character id whose prefix encodes t in milliseconds.
// Ids minted within the same millisecond still sort in call order.
func (g *Generator) MessageID(t time.Time) string {
	return ulid.MustNew(ulid.Timestamp(t), g.entropy).String()
}

// NewID returns a random UUID string for users, conversations and attachments.
func NewID() string {
	return uuid.NewString()
}
