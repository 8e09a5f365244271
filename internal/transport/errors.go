package transport

import (
	"fmt"
	"time"
)

// FloodError is the platform's mandatory cool-down signal. Adapters translate
// their library-specific throttle errors into this type so the rest of the
// engine never inspects adapter internals.
type FloodError struct {
	RetryAfter time.Duration
}

func (e *FloodError) Error() string {
	return fmt.Sprintf("FLOOD_WAIT_%d", int(e.RetryAfter/time.Second))
}
