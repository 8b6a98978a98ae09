package ids

import (
	"errors"
	"fmt"
	mathrand "math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Kind names the entity an identifier belongs to. Identifiers are
// prefix-tagged so a lease id can never be accepted where an agent id
// is expected.
type Kind string

const (
	KindOwner      Kind = "owner"
	KindAgent      Kind = "agent"
	KindLease      Kind = "lease"
	KindCredential Kind = "cred"
)

// ErrMalformed indicates an identifier that is not <prefix>_<ulid> or
// whose prefix does not match the expected kind.
var ErrMalformed = errors.New("malformed identifier")

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// New returns a fresh identifier for the given kind, e.g. lease_01J....
func New(kind Kind) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return string(kind) + "_" + ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// Parse validates that id is a well-formed identifier of the given kind
// and returns it unchanged. The embedded payload must be a valid ULID.
func Parse(kind Kind, id string) (string, error) {
	rest, ok := strings.CutPrefix(id, string(kind)+"_")
	if !ok {
		return "", fmt.Errorf("%w: expected %s_<ulid>", ErrMalformed, kind)
	}
	if _, err := ulid.ParseStrict(rest); err != nil {
		return "", fmt.Errorf("%w: %s payload is not a ULID", ErrMalformed, kind)
	}
	return id, nil
}

// Valid reports whether id is a well-formed identifier of the given kind.
func Valid(kind Kind, id string) bool {
	_, err := Parse(kind, id)
	return err == nil
}
