package position

import (
	"testing"
	"time"
)

func TestFilledPercent(t *testing.T) {
	alloc := NewAllocation(2.0, 50, 3.0, 25, 4.0)
	now := time.Now()

	if pct := alloc.FilledPercent(100); pct != 0 {
		t.Errorf("FilledPercent = %.2f on a fresh ladder, want 0", pct)
	}

	alloc.MarkFilled(alloc.Lots[0], 109, 50, now)
	if pct := alloc.FilledPercent(100); pct != 50 {
		t.Errorf("FilledPercent = %.2f after the first lot, want 50", pct)
	}

	alloc.MarkFilled(alloc.Lots[1], 113.5, 25, now)
	if pct := alloc.FilledPercent(100); pct != 75 {
		t.Errorf("FilledPercent = %.2f after the second lot, want 75", pct)
	}

	// The final lot closes the 25 remaining; the realized share reaches 100.
	alloc.MarkFilled(alloc.Lots[2], 118, 25, now)
	if pct := alloc.FilledPercent(100); pct != 100 {
		t.Errorf("FilledPercent = %.2f after the final lot, want 100", pct)
	}
}
