// Package progress defines the synchronous progress sink passed through
// the decoder contract into the engines.
package progress

// Sink receives extraction progress. Report is invoked inline on the
// extraction goroutine with a short status string and a percentage in
// [0,100]; implementations must not block indefinitely.
type Sink interface {
	Report(status string, percent int)
}

// Func adapts a plain function to a Sink.
type Func func(status string, percent int)

func (f Func) Report(status string, percent int) { f(status, percent) }

// Guard wraps a caller-supplied sink with the guarantees the engines
// rely on: percentages are clamped monotonically non-decreasing, a nil
// sink is a no-op, and a panicking sink is disarmed instead of aborting
// the extraction.
type Guard struct {
	sink Sink
	last int
	dead bool
}

func NewGuard(sink Sink) *Guard {
	return &Guard{sink: sink}
}

// Report forwards to the wrapped sink.
func (g *Guard) Report(status string, percent int) {
	if g == nil || g.sink == nil || g.dead {
		return
	}
	if percent < g.last {
		percent = g.last
	}
	if percent > 100 {
		percent = 100
	}
	g.last = percent
	defer func() {
		if recover() != nil {
			g.dead = true
		}
	}()
	g.sink.Report(status, percent)
}

// Done reports terminal success. 100 is reported only through here.
func (g *Guard) Done(status string) {
	g.Report(status, 100)
}
