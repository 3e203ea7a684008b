package controller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/optosync/internal/ledconfig"
	"github.com/shaunagostinho/optosync/internal/output"
)

const tolerance = 50 * time.Millisecond

func scenario() ledconfig.Config {
	return ledconfig.Config{
		IR:   ledconfig.IRChannel{DutyCycle: 60, Frequency: 500, ActiveTime: 2},
		Opto: ledconfig.OptoChannel{DutyCycle: 100, Frequency: 500, FlashLength: 1, InitialDelay: 3},
	}
}

func short() ledconfig.Config {
	return ledconfig.Config{
		IR:   ledconfig.IRChannel{DutyCycle: 50, Frequency: 500, ActiveTime: 0.2},
		Opto: ledconfig.OptoChannel{DutyCycle: 100, Frequency: 250, FlashLength: 0.1, InitialDelay: 0.15},
	}
}

func demos() (*output.Demo, *output.Demo) {
	return output.NewDemo("ir", 255), output.NewDemo("opto", 255)
}

func levels(d *output.Demo) []int {
	var out []int
	for _, c := range d.History() {
		out = append(out, c.Level)
	}
	return out
}

func TestRunScenario(t *testing.T) {
	if testing.Short() {
		t.Skip("4 s timing scenario")
	}
	ir, opto := demos()
	c := New(ir, opto, Options{})

	res, err := c.Run(context.Background(), scenario())
	require.NoError(t, err)

	assert.WithinDuration(t, res.Released, res.IR.On, tolerance)
	assert.WithinDuration(t, res.Released.Add(2*time.Second), res.IR.Off, tolerance)
	assert.WithinDuration(t, res.Released.Add(3*time.Second), res.Opto.On, tolerance)
	assert.WithinDuration(t, res.Released.Add(4*time.Second), res.Opto.Off, tolerance)
	assert.InDelta(t, float64(4*time.Second), float64(res.Elapsed), float64(tolerance))

	assert.True(t, ir.IsOff())
	assert.True(t, opto.IsOff())
	assert.True(t, ir.Released())
	assert.True(t, opto.Released())
	assert.Equal(t, 153, res.IR.Level)
	assert.Equal(t, 255, res.Opto.Level)
	assert.Equal(t, ledconfig.Fingerprint(scenario()), res.Fingerprint)
}

func TestRunChannelProfiles(t *testing.T) {
	ir, opto := demos()
	res, err := New(ir, opto, Options{GateSettle: 10 * time.Millisecond}).Run(context.Background(), short())
	require.NoError(t, err)

	assert.Equal(t, []int{128, 0}, levels(ir))
	assert.Equal(t, []int{0, 255, 0}, levels(opto))
	assert.Equal(t, 250.0, opto.History()[1].Freq)

	// neither output is touched before the gate opens
	assert.False(t, ir.History()[0].At.Before(res.Released))
	assert.False(t, opto.History()[0].At.Before(res.Released))
	assert.InDelta(t, float64(250*time.Millisecond), float64(res.Elapsed), float64(tolerance))
	assert.Equal(t, "demo:ir", res.IR.Output)
}

func TestRunClaimFailure(t *testing.T) {
	ir, opto := demos()
	opto.FailClaim = errors.New("line busy")
	cfg := ledconfig.Default() // IR would stay on for 40 s

	start := time.Now()
	res, err := New(ir, opto, Options{GateSettle: 10 * time.Millisecond}).Run(context.Background(), cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHardwareSetup)
	assert.NotErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)

	require.NotNil(t, res)
	assert.True(t, ir.IsOff())
	if len(ir.History()) > 0 {
		// IR got as far as claiming before the failure cancelled it
		assert.True(t, ir.Released())
	}
}

func TestRunPanicInActiveStateLeavesOutputOff(t *testing.T) {
	ir, opto := demos()
	opto.PanicOnSet = true

	_, err := New(ir, opto, Options{GateSettle: 10 * time.Millisecond}).Run(context.Background(), short())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "opto channel panic")
	assert.True(t, opto.IsOff())
	assert.True(t, opto.Released())
	assert.True(t, ir.IsOff())
}

func TestRunPanicInClaimIsSetupError(t *testing.T) {
	ir, opto := demos()
	opto.PanicOnClaim = true

	_, err := New(ir, opto, Options{GateSettle: 10 * time.Millisecond}).Run(context.Background(), short())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHardwareSetup)
	assert.Contains(t, err.Error(), "simulated claim fault")
	assert.Empty(t, opto.History())
	assert.False(t, opto.Released())
	assert.True(t, ir.IsOff())
}

func TestRunOffFailureFailsRun(t *testing.T) {
	ir, opto := demos()
	ir.FailOff = errors.New("stuck high")

	_, err := New(ir, opto, Options{GateSettle: 10 * time.Millisecond}).Run(context.Background(), short())
	assert.ErrorIs(t, err, ErrChannelNotOff)
	assert.True(t, opto.IsOff())
}

func TestRunCancelled(t *testing.T) {
	ir, opto := demos()
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	start := time.Now()
	res, err := New(ir, opto, Options{GateSettle: 10 * time.Millisecond}).Run(ctx, ledconfig.Default())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
	require.NotNil(t, res)
	assert.True(t, ir.IsOff())
	assert.True(t, opto.IsOff())
}

func TestRunBusy(t *testing.T) {
	ir, opto := demos()
	c := New(ir, opto, Options{GateSettle: 10 * time.Millisecond})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = c.Run(context.Background(), short())
	}()
	time.Sleep(30 * time.Millisecond)

	_, err := c.Run(context.Background(), short())
	assert.ErrorIs(t, err, ErrBusy)
	<-done
}

func TestRunObserver(t *testing.T) {
	var (
		mu     sync.Mutex
		events []Event
	)
	ir, opto := demos()
	c := New(ir, opto, Options{
		GateSettle: 10 * time.Millisecond,
		Observer: func(ev Event) {
			mu.Lock()
			events = append(events, ev)
			mu.Unlock()
		},
	})

	res, err := c.Run(context.Background(), short())
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 6)
	assert.Equal(t, EventGateOpen, events[0].Kind)
	assert.Equal(t, EventDone, events[5].Kind)
	counts := map[EventKind]int{}
	for _, ev := range events {
		assert.Equal(t, res.RunID, ev.RunID)
		counts[ev.Kind]++
	}
	assert.Equal(t, 2, counts[EventOn])
	assert.Equal(t, 2, counts[EventOff])
}
