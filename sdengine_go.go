package sdengine

import (
	"github.com/knights-analytics/sdengine/options"
)

// NewGoSession creates a session that runs models with the pure Go backend. It needs no native libraries
// and suits reference models on CPU.
func NewGoSession(opts ...options.WithOption) (*Session, error) {
	return newSession("GO", opts...)
}
