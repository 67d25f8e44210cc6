// Package numeric provides job-ID generation helpers.
//
// The classic wire contract rejects non-numeric captcha ids, so job ids are
// decimal strings from an atomic counter seeded off the wall clock. Seeding
// with nanoseconds keeps ids unique across restarts without persistence.
package numeric

import (
	"strconv"
	"sync/atomic"
	"time"
)

// Generator creates process-unique numeric id strings.
type Generator struct {
	last atomic.Int64
}

// NewGenerator seeds a Generator from the current time.
func NewGenerator() *Generator {
	g := &Generator{}
	g.last.Store(time.Now().UnixNano())
	return g
}

// NewID returns the next id as a decimal string.
func (g *Generator) NewID() string {
	return strconv.FormatInt(g.last.Add(1), 10)
}
