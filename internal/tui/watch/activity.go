package watch

import (
	"strings"
	"time"
)

var bars = []rune("▁▂▃▄▅▆▇█")

// Activity counts events per second over a sliding window.
type Activity struct {
	buckets []int
	head    int
	at      time.Time
}

// NewActivity keeps the last n seconds.
func NewActivity(n int) Activity {
	return Activity{buckets: make([]int, n)}
}

// Record counts one event at now.
func (a *Activity) Record(now time.Time) {
	a.advance(now)
	a.buckets[a.head]++
}

// advance rotates the window forward to the second containing now.
func (a *Activity) advance(now time.Time) {
	sec := now.Truncate(time.Second)
	if a.at.IsZero() {
		a.at = sec
		return
	}
	steps := int(sec.Sub(a.at) / time.Second)
	if steps <= 0 {
		return
	}
	if steps > len(a.buckets) {
		steps = len(a.buckets)
	}
	for range steps {
		a.head = (a.head + 1) % len(a.buckets)
		a.buckets[a.head] = 0
	}
	a.at = sec
}

// Total returns the events inside the window as of now.
func (a *Activity) Total(now time.Time) int {
	a.advance(now)
	total := 0
	for _, n := range a.buckets {
		total += n
	}
	return total
}

// Sparkline renders the window oldest to newest, scaled to its busiest second.
func (a *Activity) Sparkline(now time.Time) string {
	a.advance(now)
	peak := 0
	for _, n := range a.buckets {
		peak = max(peak, n)
	}

	var b strings.Builder
	for i := 1; i <= len(a.buckets); i++ {
		n := a.buckets[(a.head+i)%len(a.buckets)]
		if peak == 0 || n == 0 {
			b.WriteRune(' ')
			continue
		}
		b.WriteRune(bars[(n*(len(bars)-1)+peak-1)/peak])
	}
	return b.String()
}
