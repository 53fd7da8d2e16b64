// Package truncate bounds captured worker output while preserving context.
// Oversized text keeps a head and a tail slice and replaces the middle with
// an explicit elision marker, so both the start of a build log and its final
// error remain visible.
package truncate

import "fmt"

const (
	// DefaultHeadFraction and DefaultTailFraction split the budget between
	// the retained prefix and suffix.
	DefaultHeadFraction = 0.45
	DefaultTailFraction = 0.45
)

// Policy describes how a single output channel is bounded. Primary output and
// the diagnostic channel each carry their own Policy with independent budgets.
type Policy struct {
	// MaxBytes is the budget. Zero or negative means unbounded.
	MaxBytes int
	// HeadFraction and TailFraction are the shares of MaxBytes kept from the
	// start and end of the input.
	HeadFraction float64
	TailFraction float64
}

// NewPolicy returns a Policy with the default 45%/45% head/tail split.
func NewPolicy(maxBytes int) Policy {
	return Policy{
		MaxBytes:     maxBytes,
		HeadFraction: DefaultHeadFraction,
		TailFraction: DefaultTailFraction,
	}
}

// Apply returns s unchanged when it fits the budget. Otherwise it returns
// head + marker + tail, where the marker states exactly how many bytes were
// elided. The head and tail together never exceed MaxBytes.
func (p Policy) Apply(s string) string {
	if p.MaxBytes <= 0 || len(s) <= p.MaxBytes {
		return s
	}

	head := int(float64(p.MaxBytes) * p.HeadFraction)
	tail := int(float64(p.MaxBytes) * p.TailFraction)
	if head < 0 {
		head = 0
	}
	if tail < 0 {
		tail = 0
	}
	if head+tail > len(s) {
		// Degenerate fractions; nothing sensible to elide.
		return s
	}

	elided := len(s) - head - tail
	return s[:head] + marker(elided) + s[len(s)-tail:]
}

func marker(elided int) string {
	return fmt.Sprintf("\n... [%d bytes elided] ...\n", elided)
}
