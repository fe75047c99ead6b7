package circuit

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"contactlink/pkg/platform/sentinel"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func TestBreaker_InitialState(t *testing.T) {
	b := New("test")
	assert.False(t, b.IsOpen())
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, "test", b.Name())
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b := New("test", WithFailureThreshold(3))

	assert.False(t, b.RecordFailure())
	assert.False(t, b.RecordFailure())
	assert.True(t, b.RecordFailure())
	assert.True(t, b.IsOpen())
	assert.False(t, b.Allow())
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := New("test", WithFailureThreshold(3))

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()
	assert.False(t, b.IsOpen())

	b.RecordFailure()
	assert.True(t, b.IsOpen())
}

func TestBreaker_HalfOpenTrial(t *testing.T) {
	clock := &fakeClock{now: time.Date(2023, 4, 1, 0, 0, 0, 0, time.UTC)}
	b := New("test", WithFailureThreshold(1), WithCooldown(time.Minute), WithClock(clock.Now))
	b.RecordFailure()

	clock.now = clock.now.Add(30 * time.Second)
	assert.False(t, b.Allow(), "still cooling down")

	clock.now = clock.now.Add(30 * time.Second)
	assert.True(t, b.Allow(), "trial call after cooldown")
	assert.Equal(t, StateHalfOpen, b.State())
	assert.False(t, b.Allow(), "one trial at a time")

	t.Run("failed trial reopens", func(t *testing.T) {
		assert.True(t, b.RecordFailure())
		assert.True(t, b.IsOpen())
	})

	t.Run("successful trial closes", func(t *testing.T) {
		clock.now = clock.now.Add(time.Minute)
		assert.True(t, b.Allow())
		assert.True(t, b.RecordSuccess())
		assert.Equal(t, StateClosed, b.State())
	})
}

func TestBreaker_Reset(t *testing.T) {
	b := New("test", WithFailureThreshold(1))
	b.RecordFailure()
	assert.True(t, b.IsOpen())

	b.Reset()
	assert.False(t, b.IsOpen())
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_Do(t *testing.T) {
	b := New("test", WithFailureThreshold(1))
	boom := errors.New("boom")

	assert.ErrorIs(t, b.Do(func() error { return boom }), boom)

	called := false
	err := b.Do(func() error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrOpen)
	assert.ErrorIs(t, err, sentinel.ErrUnavailable)
	assert.False(t, called)
}
