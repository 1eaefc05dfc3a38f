package clock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFake_SleepAdvances(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	f := NewFake(start)

	assert.NoError(t, f.Sleep(context.Background(), time.Second))
	assert.NoError(t, f.Sleep(context.Background(), 2*time.Second))
	f.Advance(time.Minute)

	assert.Equal(t, start.Add(63*time.Second), f.Now())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, f.Sleeps())
}

func TestFake_SleepHonoursCancel(t *testing.T) {
	f := NewFake(time.Now())
	ctx, cancel := context.WithCancel(context.Background())
	f.OnSleep = func(time.Duration) { cancel() }

	assert.ErrorIs(t, f.Sleep(ctx, time.Second), context.Canceled)
	assert.ErrorIs(t, f.Sleep(ctx, time.Second), context.Canceled)
	assert.Len(t, f.Sleeps(), 1)
}

func TestReal_SleepCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := Real{}.Sleep(ctx, time.Hour)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}
