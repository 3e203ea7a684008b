package receiver

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/optosync/internal/config"
	"github.com/shaunagostinho/optosync/internal/controller"
	"github.com/shaunagostinho/optosync/internal/ledconfig"
	"github.com/shaunagostinho/optosync/internal/link"
	"github.com/shaunagostinho/optosync/internal/output"
	"github.com/shaunagostinho/optosync/internal/timing"
)

const payload = `{"IR_LEDs": {"duty_cycle": 60, "frequency": 500, "active_time": 0.1}, "Optogenetic_LEDs": {"duty_cycle": 100, "frequency": 500, "flash_length": 0.05, "initial_delay": 0.05}}`

// pipePort is an in-memory serial device fed by the test.
type pipePort struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once
}

func newPipePort() *pipePort {
	return &pipePort{in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (p *pipePort) Read(b []byte) (int, error) {
	select {
	case c := <-p.in:
		return copy(b, c), nil
	case <-time.After(20 * time.Millisecond):
		return 0, nil
	case <-p.closed:
		return 0, errors.New("port has been closed")
	}
}

func (p *pipePort) Write(b []byte) (int, error)        { return len(b), nil }
func (p *pipePort) Drain() error                       { return nil }
func (p *pipePort) ResetInputBuffer() error            { return nil }
func (p *pipePort) SetReadTimeout(time.Duration) error { return nil }

func (p *pipePort) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

// scriptedReporter plays the host's part: it writes the configuration and
// trigger when the receiver reaches the matching phase.
type scriptedReporter struct {
	mu       sync.Mutex
	port     *pipePort
	onConfig string
	trigger  string
	phases   []string
	runs     []*controller.Result
	runErrs  []error
	cycles   []error
}

func (s *scriptedReporter) Phase(p string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phases = append(s.phases, p)
	switch p {
	case PhaseAwaitConfig:
		if s.onConfig != "" {
			s.port.in <- []byte(s.onConfig)
		}
	case PhaseAwaitTrigger:
		if s.trigger != "" {
			s.port.in <- []byte(s.trigger)
		}
	}
}

func (s *scriptedReporter) Assembled(ledconfig.Config, error)         {}
func (s *scriptedReporter) Triggered(time.Time, time.Duration, error) {}
func (s *scriptedReporter) RunFinished(res *controller.Result, _ time.Time, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, res)
	s.runErrs = append(s.runErrs, err)
}
func (s *scriptedReporter) CycleDone(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cycles = append(s.cycles, err)
}

type rig struct {
	cfg      *config.Config
	store    *ledconfig.Store
	ir, opto *output.Demo
	rep      *scriptedReporter
	runlog   string
	rx       *Receiver
}

func newRig(t *testing.T) *rig {
	t.Helper()
	dir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.Assembler.IdleMs = 50
	cfg.Assembler.PollMs = 5
	cfg.Receiver.PostConfigDelayMs = 10
	cfg.Receiver.RestartDelayMs = 10
	cfg.Trigger.TimeoutMs = 2000
	cfg.Output.Backend = "demo"

	r := &rig{
		cfg:    cfg,
		store:  ledconfig.NewStore(filepath.Join(dir, "led_config.json")),
		ir:     output.NewDemo("ir", 255),
		opto:   output.NewDemo("opto", 255),
		runlog: filepath.Join(dir, "runs"),
	}
	r.rep = &scriptedReporter{onConfig: payload, trigger: "1\n"}
	r.rx = New(cfg, Deps{
		Store:      r.store,
		Controller: controller.New(r.ir, r.opto, controller.Options{GateSettle: 10 * time.Millisecond}),
		RunLog:     timing.NewRunLog(timing.RunLogConfig{Enabled: true, Path: r.runlog}),
		Reporter:   r.rep,
		Open: func(c link.Config) (*link.Link, error) {
			// a fresh device per cycle, as after a real reopen
			p := newPipePort()
			r.rep.mu.Lock()
			r.rep.port = p
			r.rep.mu.Unlock()
			return link.New(p, c), nil
		},
	})
	return r
}

func TestRunOnceEndToEnd(t *testing.T) {
	r := newRig(t)
	require.NoError(t, r.store.Save(ledconfig.Default()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.rx.RunOnce(ctx))

	saved, err := r.store.Load()
	require.NoError(t, err)
	assert.Equal(t, 0.1, saved.IR.ActiveTime)

	require.Len(t, r.rep.runs, 1)
	res := r.rep.runs[0]
	require.NotNil(t, res)
	assert.Equal(t, 153, res.IR.Level)
	assert.Equal(t, 255, res.Opto.Level)
	assert.InDelta(t, float64(100*time.Millisecond), float64(res.Elapsed), float64(50*time.Millisecond))

	assert.True(t, r.ir.IsOff())
	assert.True(t, r.opto.IsOff())
	assert.Equal(t, []string{PhaseConnecting, PhaseAwaitConfig, PhaseAwaitTrigger, PhaseRunning}, r.rep.phases)

	files, _ := filepath.Glob(filepath.Join(r.runlog, "runs_*.csv"))
	assert.Len(t, files, 1)
}

func TestRunOnceRemovesStaleConfig(t *testing.T) {
	r := newRig(t)
	require.NoError(t, r.store.Save(ledconfig.Default()))
	r.rx.deps.Open = func(link.Config) (*link.Link, error) {
		return nil, link.ErrPortUnavailable
	}

	err := r.rx.RunOnce(context.Background())
	assert.ErrorIs(t, err, link.ErrPortUnavailable)
	assert.False(t, r.store.Exists())
}

func TestRunOnceTriggerTimeout(t *testing.T) {
	r := newRig(t)
	r.rep.trigger = "0"
	r.cfg.Trigger.TimeoutMs = 100

	err := r.rx.RunOnce(context.Background())
	assert.ErrorIs(t, err, link.ErrTriggerTimeout)
	assert.Empty(t, r.ir.History())
	assert.Empty(t, r.opto.History())
	assert.True(t, r.store.Exists())
}

func TestRunOnceMalformedMessage(t *testing.T) {
	r := newRig(t)
	r.cfg.Assembler.MaxAttempts = 2
	r.rep.onConfig = `{"IR_LEDs": }`

	err := r.rx.RunOnce(context.Background())
	assert.ErrorIs(t, err, link.ErrMalformedMessage)
	assert.False(t, r.store.Exists())
}

func TestRunOnceHardwareFailure(t *testing.T) {
	r := newRig(t)
	r.opto.FailClaim = errors.New("line busy")

	err := r.rx.RunOnce(context.Background())
	assert.ErrorIs(t, err, controller.ErrHardwareSetup)
	assert.True(t, r.ir.IsOff())
	require.Len(t, r.rep.runErrs, 1)
	assert.Error(t, r.rep.runErrs[0])
}

func TestRunRetriesUnavailablePort(t *testing.T) {
	r := newRig(t)
	var mu sync.Mutex
	attempts := 0
	r.rx.deps.Open = func(link.Config) (*link.Link, error) {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		return nil, link.ErrPortUnavailable
	}
	r.rx.newBackOff = func() backoff.BackOff { return backoff.NewConstantBackOff(10 * time.Millisecond) }

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err := r.rx.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	mu.Lock()
	defer mu.Unlock()
	assert.Greater(t, attempts, 3)
	assert.Contains(t, r.rep.phases, PhaseBackoff)
}

func TestRunRestartsAfterCycle(t *testing.T) {
	r := newRig(t)
	r.cfg.Trigger.TimeoutMs = 50
	r.rep.trigger = ""

	ctx, cancel := context.WithTimeout(context.Background(), 600*time.Millisecond)
	defer cancel()
	err := r.rx.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	r.rep.mu.Lock()
	defer r.rep.mu.Unlock()
	require.GreaterOrEqual(t, len(r.rep.cycles), 2)
	assert.ErrorIs(t, r.rep.cycles[0], link.ErrTriggerTimeout)
	assert.Contains(t, r.rep.phases, PhaseRestarting)
}
