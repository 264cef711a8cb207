// Package identity provides unique-ID generation for the harness.
// Publish targets, container names, networks, and cache-busting tokens all
// need collision-free identifiers; generators are injected rather than
// called ad hoc so that every consumer is deterministic under test.
package identity

import (
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Generator produces unique identifiers.
type Generator interface {
	// NewID returns a short identifier safe for container/network/image names.
	NewID() string
	// Token returns a cache-busting token. Two successive calls must return
	// distinct values so that content-addressed caches cannot serve a stale
	// result across invocations.
	Token() string
}

// UUIDGenerator is the production Generator backed by random UUIDs and the
// wall clock.
type UUIDGenerator struct{}

// NewUUIDGenerator creates the default Generator.
func NewUUIDGenerator() *UUIDGenerator {
	return &UUIDGenerator{}
}

// NewID returns the first 12 hex characters of a random UUID.
func (g *UUIDGenerator) NewID() string {
	id := uuid.New()
	s := id.String()
	// 8-4 prefix: enough entropy for name uniqueness, short enough for
	// docker object names.
	return s[:8] + s[9:13]
}

// Token returns a nanosecond timestamp combined with a random UUID.
func (g *UUIDGenerator) Token() string {
	return fmt.Sprintf("%d-%s", time.Now().UnixNano(), uuid.New().String())
}

// SequenceGenerator is a deterministic Generator for tests. IDs and tokens
// are drawn from a single monotonically increasing counter.
type SequenceGenerator struct {
	prefix string
	n      atomic.Int64
}

// NewSequenceGenerator creates a deterministic generator. All values carry
// the given prefix.
func NewSequenceGenerator(prefix string) *SequenceGenerator {
	return &SequenceGenerator{prefix: prefix}
}

func (g *SequenceGenerator) NewID() string {
	return g.prefix + strconv.FormatInt(g.n.Add(1), 10)
}

func (g *SequenceGenerator) Token() string {
	return g.prefix + "token-" + strconv.FormatInt(g.n.Add(1), 10)
}
