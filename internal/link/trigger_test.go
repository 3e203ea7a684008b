package link

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTriggerDetected(t *testing.T) {
	src := make(chanSource, 4)
	src <- []byte("noise")
	src <- []byte{0xff}
	src <- []byte("1\n")

	before := time.Now()
	at, err := NewTriggerDetector(src, "").Wait(context.Background(), time.Second)
	require.NoError(t, err)
	assert.False(t, at.Before(before))
	assert.WithinDuration(t, time.Now(), at, 100*time.Millisecond)
}

func TestTriggerIgnoresOtherLiterals(t *testing.T) {
	src := make(chanSource, 2)
	src <- []byte("10")
	src <- []byte("0")

	_, err := NewTriggerDetector(src, "1").Wait(context.Background(), 80*time.Millisecond)
	assert.ErrorIs(t, err, ErrTriggerTimeout)
}

func TestTriggerCustomLiteral(t *testing.T) {
	src := make(chanSource, 2)
	src <- []byte("1")
	src <- []byte(" go ")

	_, err := NewTriggerDetector(src, "go").Wait(context.Background(), time.Second)
	assert.NoError(t, err)
	assert.Empty(t, src)
}

func TestTriggerLatency(t *testing.T) {
	src := make(chanSource)
	sent := make(chan time.Time, 1)
	go func() {
		time.Sleep(30 * time.Millisecond)
		sent <- time.Now()
		src <- []byte("1")
	}()

	at, err := NewTriggerDetector(src, "").Wait(context.Background(), 0)
	require.NoError(t, err)
	assert.WithinDuration(t, <-sent, at, 20*time.Millisecond)
}

func TestTriggerCancelled(t *testing.T) {
	src := make(chanSource)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := NewTriggerDetector(src, "").Wait(ctx, 0)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTriggerSourceClosed(t *testing.T) {
	src := make(chanSource)
	close(src)

	_, err := NewTriggerDetector(src, "").Wait(context.Background(), time.Second)
	assert.ErrorIs(t, err, ErrPortClosed)
}
