package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSystemClockNow(t *testing.T) {
	before := time.Now()
	now := System.Now()
	after := time.Now()

	assert.False(t, now.Before(before))
	assert.False(t, now.After(after))
}

func TestFakeNowAndAdvance(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	fake := NewFake(start)

	assert.Equal(t, start, fake.Now())

	fake.Advance(90 * time.Second)
	assert.Equal(t, start.Add(90*time.Second), fake.Now())

	assert.Equal(t, 90*time.Second, fake.Since(start))
}

func TestFakeTimerFires(t *testing.T) {
	fake := NewFake(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	timer := fake.NewTimer(5 * time.Second)

	select {
	case <-timer.C():
		t.Fatal("timer fired before deadline")
	default:
	}

	fake.Advance(4 * time.Second)
	select {
	case <-timer.C():
		t.Fatal("timer fired early")
	default:
	}

	fake.Advance(1 * time.Second)
	select {
	case <-timer.C():
	default:
		t.Fatal("timer did not fire at deadline")
	}
}

func TestFakeTimerStop(t *testing.T) {
	fake := NewFake(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	timer := fake.NewTimer(time.Second)

	require.True(t, timer.Stop())
	fake.Advance(2 * time.Second)

	select {
	case <-timer.C():
		t.Fatal("stopped timer fired")
	default:
	}
}

func TestFakeTickerFiresRepeatedly(t *testing.T) {
	fake := NewFake(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	ticker := fake.NewTicker(time.Second)
	defer ticker.Stop()

	for i := 0; i < 3; i++ {
		fake.Advance(time.Second)
		select {
		case <-ticker.C():
		default:
			t.Fatalf("tick %d not delivered", i+1)
		}
	}
}

func TestFakeAfter(t *testing.T) {
	fake := NewFake(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	ch := fake.After(100 * time.Millisecond)

	fake.Advance(100 * time.Millisecond)
	select {
	case <-ch:
	default:
		t.Fatal("After channel did not receive")
	}
}
