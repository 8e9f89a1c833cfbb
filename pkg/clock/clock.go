// Package clock abstracts a subset of package time so components that
// depend on wall-clock behavior can be tested deterministically.
package clock

import "time"

type (
	// Clock provides the time operations components depend on. Production
	// code uses System; tests inject a Fake to control apparent time.
	Clock interface {
		Now() time.Time
		Since(t time.Time) time.Duration
		After(d time.Duration) <-chan time.Time
		NewTimer(d time.Duration) Timer
		NewTicker(d time.Duration) Ticker
	}

	// Timer abstracts the functionality of time.Timer.
	Timer interface {
		C() <-chan time.Time
		Reset(d time.Duration) bool
		Stop() bool
	}

	// Ticker abstracts the functionality of time.Ticker.
	Ticker interface {
		C() <-chan time.Time
		Stop()
	}

	systemClock struct{}

	systemTimer struct {
		*time.Timer
	}

	systemTicker struct {
		*time.Ticker
	}
)

// System is the Clock backed by package time.
var System Clock = systemClock{}

func (systemClock) Now() time.Time {
	return time.Now()
}

func (systemClock) Since(t time.Time) time.Duration {
	return time.Since(t)
}

func (systemClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

func (systemClock) NewTimer(d time.Duration) Timer {
	return systemTimer{Timer: time.NewTimer(d)}
}

func (systemClock) NewTicker(d time.Duration) Ticker {
	return systemTicker{Ticker: time.NewTicker(d)}
}

func (t systemTimer) C() <-chan time.Time {
	return t.Timer.C
}

func (t systemTicker) C() <-chan time.Time {
	return t.Ticker.C
}
