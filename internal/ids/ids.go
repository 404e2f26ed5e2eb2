// Package ids provides identifier generation and validation for entities and change records.
package ids

import (
	"fmt"
	"math/rand"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// UUID v4 format: xxxxxxxx-xxxx-4xxx-yxxx-xxxxxxxxxxxx
// where y is one of [8, 9, a, b] (variant bits)
var uuidV4Regex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-4[0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

// MaxEntityIDLength bounds entity ids so they fit in store keys.
const MaxEntityIDLength = 128

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

// NewEntityID generates a new local entity id (UUID v4).
func NewEntityID() string {
	return uuid.New().String()
}

// NewChangeID generates a change record id. Ids created in the same process
// sort in creation order, even within one millisecond.
func NewChangeID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// ChangeIDTime returns the creation time encoded in a change id.
func ChangeIDTime(id string) (time.Time, error) {
	parsed, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid change id: %w", err)
	}
	return ulid.Time(parsed.Time()), nil
}

// IsUUID checks if a string is a valid UUID v4.
// Enforces strict format with dashes and correct variant bits.
func IsUUID(s string) bool {
	return uuidV4Regex.MatchString(s)
}

// ValidateEntityID returns an error if s cannot be used as an entity id.
// Any non-empty printable id without '/' is accepted so remote-assigned
// identifiers can be used directly.
func ValidateEntityID(s string) error {
	if s == "" {
		return fmt.Errorf("entity id is empty")
	}
	if len(s) > MaxEntityIDLength {
		return fmt.Errorf("entity id longer than %d bytes", MaxEntityIDLength)
	}
	if strings.ContainsAny(s, "/\x00\n") {
		return fmt.Errorf("entity id %q contains a reserved character", s)
	}
	return nil
}
