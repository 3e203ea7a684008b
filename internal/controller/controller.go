package controller

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/shaunagostinho/optosync/internal/ledconfig"
	"github.com/shaunagostinho/optosync/internal/output"
)

var (
	// ErrHardwareSetup is returned when a channel cannot claim its output.
	ErrHardwareSetup = errors.New("hardware setup failed")
	// ErrChannelNotOff is returned when a channel could not be driven back
	// to OFF. The run counts as failed.
	ErrChannelNotOff = errors.New("channel could not be turned off")
	// ErrBusy is returned when Run is called while another run is active.
	ErrBusy = errors.New("run already in progress")
)

const defaultGateSettle = 100 * time.Millisecond

// Channel names used in events and results.
const (
	ChannelIR   = "ir"
	ChannelOpto = "opto"
)

// Options tunes a Controller.
type Options struct {
	// GateSettle is the slack between both channel goroutines reaching the
	// gate and the gate opening.
	GateSettle time.Duration
	// Observer, if set, is called from the channel goroutines on every
	// output transition. It must be safe for concurrent use.
	Observer func(Event)
}

// EventKind identifies a run transition.
type EventKind string

const (
	EventGateOpen EventKind = "gate_open"
	EventOn       EventKind = "on"
	EventOff      EventKind = "off"
	EventDone     EventKind = "done"
)

// Event is one timestamped transition, recorded right after the hardware
// call returned.
type Event struct {
	RunID   uuid.UUID `json:"runId"`
	Channel string    `json:"channel,omitempty"`
	Kind    EventKind `json:"kind"`
	At      time.Time `json:"at"`
	Level   int       `json:"level"`
	Freq    float64   `json:"freq"`
}

// ChannelTiming holds what one channel did during a run. On is zero if the
// channel never became active.
type ChannelTiming struct {
	Output string    `json:"output"`
	Level  int       `json:"level"`
	Freq   float64   `json:"freq"`
	On     time.Time `json:"on"`
	Off    time.Time `json:"off"`
}

// Result describes a finished (or failed) run.
type Result struct {
	RunID       uuid.UUID        `json:"runId"`
	Fingerprint uint16           `json:"fingerprint"`
	Config      ledconfig.Config `json:"config"`
	Released    time.Time        `json:"released"`
	Finished    time.Time        `json:"finished"`
	Elapsed     time.Duration    `json:"elapsed"`
	IR          ChannelTiming    `json:"ir"`
	Opto        ChannelTiming    `json:"opto"`
}

// Controller drives the IR and optogenetic outputs through one run.
type Controller struct {
	ir, opto output.Output
	opts     Options
	busy     *atomic.Bool
}

// New creates a controller owning ir and opto. The outputs must not be
// touched by anything else while a run is active.
func New(ir, opto output.Output, opts Options) *Controller {
	if opts.GateSettle <= 0 {
		opts.GateSettle = defaultGateSettle
	}
	return &Controller{ir: ir, opto: opto, opts: opts, busy: atomic.NewBool(false)}
}

// step is one state of a channel: drive level at freq, then hold.
type step struct {
	level  int
	freq   float64
	hold   time.Duration
	active bool
}

// Run executes cfg once. Both channel goroutines are started, wait on a
// shared start gate, and only claim their output once it opens. Whatever
// happens, each claimed output is driven OFF and released before its
// goroutine exits.
//
// The returned Result is non-nil whenever the gate was reached, including
// on error, so partial timings can still be recorded.
func (c *Controller) Run(ctx context.Context, cfg ledconfig.Config) (*Result, error) {
	if !c.busy.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}
	defer c.busy.Store(false)

	res := &Result{
		RunID:       uuid.New(),
		Fingerprint: ledconfig.Fingerprint(cfg),
		Config:      cfg,
	}

	irLevel := output.PercentToNative(cfg.IR.DutyCycle, c.ir.Range())
	optoLevel := output.PercentToNative(cfg.Opto.DutyCycle, c.opto.Range())
	irSteps := []step{
		{level: irLevel, freq: cfg.IR.Frequency, hold: cfg.IR.Active(), active: true},
	}
	optoSteps := []step{
		{level: 0, freq: cfg.Opto.Frequency, hold: cfg.Opto.Delay()},
		{level: optoLevel, freq: cfg.Opto.Frequency, hold: cfg.Opto.Flash(), active: true},
	}

	log.Printf("[controller] run %s: IR %d/%d @ %.0f Hz for %v, Opto %d/%d @ %.0f Hz for %v after %v",
		res.RunID, irLevel, c.ir.Range(), cfg.IR.Frequency, cfg.IR.Active(),
		optoLevel, c.opto.Range(), cfg.Opto.Frequency, cfg.Opto.Flash(), cfg.Opto.Delay())

	gate := make(chan struct{})
	var ready sync.WaitGroup
	ready.Add(2)

	errs := make([]error, 2)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		errs[0] = c.runChannel(gctx, res.RunID, ChannelIR, c.ir, &ready, gate, irSteps, &res.IR)
		return errs[0]
	})
	g.Go(func() error {
		errs[1] = c.runChannel(gctx, res.RunID, ChannelOpto, c.opto, &ready, gate, optoSteps, &res.Opto)
		return errs[1]
	})

	ready.Wait()
	if err := sleep(ctx, c.opts.GateSettle); err != nil {
		close(gate)
		_ = g.Wait()
		return nil, err
	}

	res.Released = time.Now()
	c.emit(Event{RunID: res.RunID, Kind: EventGateOpen, At: res.Released})
	close(gate)

	_ = g.Wait()
	res.Finished = time.Now()
	res.Elapsed = res.Finished.Sub(res.Released)
	c.emit(Event{RunID: res.RunID, Kind: EventDone, At: res.Finished})

	if err := joinRunErrors(ctx, errs); err != nil {
		log.Printf("[controller] run %s failed after %v: %v", res.RunID, res.Elapsed, err)
		return res, err
	}
	log.Printf("[controller] run %s done in %v", res.RunID, res.Elapsed)
	return res, nil
}

// joinRunErrors drops the context.Canceled a channel sees when its sibling
// failed, unless the caller's own context was cancelled.
func joinRunErrors(ctx context.Context, errs []error) error {
	var out []error
	for _, err := range errs {
		if err == nil {
			continue
		}
		if errors.Is(err, context.Canceled) && ctx.Err() == nil {
			if !errors.Is(err, ErrChannelNotOff) {
				continue
			}
		}
		out = append(out, err)
	}
	return errors.Join(out...)
}

func (c *Controller) runChannel(ctx context.Context, runID uuid.UUID, name string, out output.Output,
	ready *sync.WaitGroup, gate <-chan struct{}, steps []step, timing *ChannelTiming) (err error) {

	timing.Output = out.Name()
	ready.Done()
	select {
	case <-gate:
	case <-ctx.Done():
		return ctx.Err()
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	claimed, off := false, false
	defer func() {
		if r := recover(); r != nil {
			if claimed {
				err = errors.Join(err, fmt.Errorf("%s channel panic: %v", name, r))
			} else {
				err = fmt.Errorf("%w: %s channel on %s: panic: %v", ErrHardwareSetup, name, out.Name(), r)
			}
		}
		if !claimed {
			return
		}
		if !off {
			if oerr := out.Off(); oerr != nil {
				err = errors.Join(err, fmt.Errorf("%w: %s: %w", ErrChannelNotOff, name, oerr))
			} else if !timing.On.IsZero() {
				timing.Off = time.Now()
				c.emit(Event{RunID: runID, Channel: name, Kind: EventOff, At: timing.Off})
			}
		}
		if rerr := out.Release(); rerr != nil {
			err = errors.Join(err, fmt.Errorf("%w: %s release: %w", ErrChannelNotOff, name, rerr))
		}
	}()

	if cerr := out.Claim(); cerr != nil {
		return fmt.Errorf("%w: %s channel on %s: %w", ErrHardwareSetup, name, out.Name(), cerr)
	}
	claimed = true

	for _, s := range steps {
		if serr := out.Set(s.level, s.freq); serr != nil {
			return fmt.Errorf("%s channel set %d @ %.0f Hz: %w", name, s.level, s.freq, serr)
		}
		if s.active {
			timing.On = time.Now()
			timing.Level, timing.Freq = s.level, s.freq
			log.Printf("[controller] %s on at %s", name, timing.On.Format("15:04:05.000"))
			c.emit(Event{RunID: runID, Channel: name, Kind: EventOn, At: timing.On, Level: s.level, Freq: s.freq})
		}
		if serr := sleep(ctx, s.hold); serr != nil {
			return serr
		}
	}

	if oerr := out.Off(); oerr != nil {
		return fmt.Errorf("%w: %s: %w", ErrChannelNotOff, name, oerr)
	}
	off = true
	timing.Off = time.Now()
	log.Printf("[controller] %s off at %s", name, timing.Off.Format("15:04:05.000"))
	c.emit(Event{RunID: runID, Channel: name, Kind: EventOff, At: timing.Off})
	return nil
}

func (c *Controller) emit(ev Event) {
	if c.opts.Observer != nil {
		c.opts.Observer(ev)
	}
}

// sleep waits d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
