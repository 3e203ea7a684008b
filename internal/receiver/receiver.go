package receiver

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/shaunagostinho/optosync/internal/config"
	"github.com/shaunagostinho/optosync/internal/controller"
	"github.com/shaunagostinho/optosync/internal/ledconfig"
	"github.com/shaunagostinho/optosync/internal/link"
	"github.com/shaunagostinho/optosync/internal/timing"
)

// Cycle phases reported to the Reporter.
const (
	PhaseConnecting   = "connecting"
	PhaseAwaitConfig  = "await_config"
	PhaseAwaitTrigger = "await_trigger"
	PhaseRunning      = "running"
	PhaseRestarting   = "restarting"
	PhaseBackoff      = "backoff"
)

// Reporter observes the receiver cycle. *telemetry.Server implements it.
type Reporter interface {
	Phase(phase string)
	Assembled(cfg ledconfig.Config, err error)
	Triggered(at time.Time, waited time.Duration, err error)
	RunFinished(res *controller.Result, trigger time.Time, err error)
	CycleDone(err error)
}

type nopReporter struct{}

func (nopReporter) Phase(string) {}
func (nopReporter) Assembled(ledconfig.Config, error) {}
func (nopReporter) Triggered(time.Time, time.Duration, error) {}
func (nopReporter) RunFinished(*controller.Result, time.Time, error) {}
func (nopReporter) CycleDone(error) {}

// Deps are the collaborators of a Receiver. Store and Controller are
// required; the rest may be left nil.
type Deps struct {
	Store      *ledconfig.Store
	Controller *controller.Controller
	RunLog     *timing.RunLog
	Reporter   Reporter
	// Open opens the serial link; defaults to link.Open.
	Open func(link.Config) (*link.Link, error)
}

// Receiver is the peripheral-side daemon: it waits for a configuration,
// then for the trigger, then runs the controller, and starts over.
type Receiver struct {
	cfg  *config.Config
	deps Deps

	newBackOff func() backoff.BackOff
}

// New creates a receiver. Settings are re-read from cfg at the start of
// every cycle.
func New(cfg *config.Config, deps Deps) *Receiver {
	if deps.Reporter == nil {
		deps.Reporter = nopReporter{}
	}
	if deps.Open == nil {
		deps.Open = link.Open
	}
	return &Receiver{
		cfg:  cfg,
		deps: deps,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 30 * time.Second
			b.MaxElapsedTime = 0 // keep trying until cancelled
			return b
		},
	}
}

// Run repeats RunOnce until ctx is cancelled. A missing serial device is
// retried with exponential backoff; any other cycle failure is logged and
// the next cycle starts after the restart delay.
func (r *Receiver) Run(ctx context.Context) error {
	b := r.newBackOff()
	for {
		err := r.RunOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.deps.Reporter.CycleDone(err)

		if errors.Is(err, link.ErrPortUnavailable) {
			wait := b.NextBackOff()
			if wait == backoff.Stop {
				return err
			}
			log.Printf("[rx] %v, retrying in %v", err, wait.Round(time.Millisecond))
			r.deps.Reporter.Phase(PhaseBackoff)
			if err := sleep(ctx, wait); err != nil {
				return err
			}
			continue
		}
		b.Reset()

		if err != nil {
			log.Printf("[rx] cycle failed: %v", err)
		}
		r.deps.Reporter.Phase(PhaseRestarting)
		if err := sleep(ctx, r.cfg.Snapshot().RestartDelay); err != nil {
			return err
		}
	}
}

// RunOnce performs one receive-trigger-run cycle on a freshly opened link.
func (r *Receiver) RunOnce(ctx context.Context) error {
	tm := r.cfg.Snapshot()
	rep := r.deps.Reporter
	store := r.deps.Store

	rep.Phase(PhaseConnecting)
	// a run must never pick up the previous experiment's parameters
	if err := store.Remove(); err != nil {
		log.Printf("[rx] warning: %v", err)
	}

	l, err := r.deps.Open(r.cfg.LinkSettings())
	if err != nil {
		return err
	}
	defer l.Close()
	if err := l.ResetInput(); err != nil {
		log.Printf("[rx] reset input: %v", err)
	}

	rep.Phase(PhaseAwaitConfig)
	log.Printf("[rx] waiting for configuration on %s", store.Path())
	led, err := link.NewAssembler(l, store, r.cfg.AssemblerSettings()).Assemble(ctx)
	rep.Assembled(led, err)
	switch {
	case errors.Is(err, ledconfig.ErrPersistence):
		log.Printf("[rx] warning: %v; continuing with the received configuration", err)
	case err != nil:
		return err
	}
	log.Printf("[rx] configuration %04X received", ledconfig.Fingerprint(led))

	if err := sleep(ctx, tm.PostConfigDelay); err != nil {
		return err
	}

	rep.Phase(PhaseAwaitTrigger)
	waitStart := time.Now()
	at, err := link.NewTriggerDetector(l, tm.TriggerLiteral).Wait(ctx, tm.TriggerTimeout)
	rep.Triggered(at, time.Since(waitStart), err)
	if err != nil {
		return err
	}

	runCfg, err := store.Load()
	if err != nil {
		log.Printf("[rx] warning: %v; using the configuration held in memory", err)
		runCfg = led
	}

	rep.Phase(PhaseRunning)
	res, err := r.deps.Controller.Run(ctx, runCfg)
	if res != nil {
		log.Printf("[rx] run %s: gate to done %v, trigger to done %v",
			res.RunID, res.Elapsed.Round(time.Millisecond), res.Finished.Sub(at).Round(time.Millisecond))
		if r.deps.RunLog != nil {
			r.deps.RunLog.Record(res, at, err)
		}
	}
	rep.RunFinished(res, at, err)
	return err
}

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
