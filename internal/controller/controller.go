// Package controller drives a run end to end: tare, measurement start, the
// poll loop that feeds the state machine and the display, and measurement
// stop. The TUI renders only what this package publishes.
package controller

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/owenhdiba/tindeq-sonification/internal/events"
	"github.com/owenhdiba/tindeq-sonification/internal/gofunc"
	"github.com/owenhdiba/tindeq-sonification/internal/handoff"
	"github.com/owenhdiba/tindeq-sonification/internal/protocol"
	"github.com/owenhdiba/tindeq-sonification/internal/sonify"
)

// Button labels shown through a run's lifecycle.
const (
	LabelConnect       = "Connect"
	LabelSearching     = "Searching for device…"
	LabelConnected     = "Connection successful"
	LabelRun           = "Run"
	LabelRunning       = "Running"
	LabelComplete      = "Protocol complete."
	LabelConnectFailed = "Connect failed."
)

// DefaultPollInterval is how often the run loop drains the sample queue and
// ticks the state machine.
const DefaultPollInterval = 50 * time.Millisecond

// maxSeriesSamples bounds the retained plot series. The Progressor streams
// at about 80 Hz, so this holds roughly the last minute.
const maxSeriesSamples = 5000

var ErrRunInProgress = errors.New("controller: a run is already in progress")

// deviceSession is the slice of the progressor session the controller needs.
type deviceSession interface {
	Connect(ctx context.Context) error
	SoftTare(ctx context.Context) error
	StartWeightMeasurement() error
	StopWeightMeasurement() error
	GetBatteryVoltage() error
}

// DisplayState is the read-only snapshot the TUI renders.
type DisplayState struct {
	Phase         protocol.Phase
	PhaseLabel    string
	PhaseColor    string
	TimerText     string
	SetsCompleted int
	TotalSets     int
	CurrentLoad   float64
	ButtonLabel   string
	Running       bool
}

type ctrlCommand int

const (
	cmdStart ctrlCommand = iota
	cmdAbort
)

// Controller owns the run lifecycle. All device interaction during a run
// happens on its single loop goroutine; the public methods only post
// commands and read snapshots.
type Controller struct {
	session    deviceSession
	engine     *sonify.Engine
	plot       *handoff.PlotQueue
	activation *handoff.LatestValue[bool]
	persist    *paramsPersistence
	logger     *log.Logger

	stateEvent *events.ChannelEvent[DisplayState]
	errEvent   *events.CallbackEvent[error]

	mu      sync.RWMutex
	state   DisplayState
	run     *protocol.Run
	pending protocol.Params
	series  []handoff.Sample

	pollInterval time.Duration
	cmdChan      chan ctrlCommand
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	shutdownOnce sync.Once
}

// New builds a controller and starts its loop goroutine. activation is the
// hand-off slot shared with the audio engine; the state machine pushes the
// active/rest flag through it.
func New(session deviceSession, engine *sonify.Engine, plot *handoff.PlotQueue, activation *handoff.LatestValue[bool], logger *log.Logger) *Controller {
	if session == nil {
		panic("Controller: session cannot be nil")
	}
	if engine == nil {
		panic("Controller: engine cannot be nil")
	}
	if plot == nil {
		panic("Controller: plot queue cannot be nil")
	}
	if activation == nil {
		panic("Controller: activation slot cannot be nil")
	}
	if logger == nil {
		panic("Controller: logger cannot be nil")
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		session:      session,
		engine:       engine,
		plot:         plot,
		activation:   activation,
		persist:      newParamsPersistence(logger),
		logger:       logger,
		stateEvent:   events.NewChannelEvent[DisplayState](true),
		errEvent:     events.NewCallbackEvent[error](false),
		state:        DisplayState{ButtonLabel: LabelConnect, TimerText: protocol.FormatTimer(0), PhaseLabel: protocol.PhaseIdle.Info().Label, PhaseColor: protocol.PhaseIdle.Info().Color},
		pollInterval: DefaultPollInterval,
		cmdChan:      make(chan ctrlCommand, 1),
		ctx:          ctx,
		cancel:       cancel,
	}

	c.wg.Add(1)
	gofunc.SafeGo(logger, func() { c.runLoop() })
	return c
}

// ListenToState registers ch for display-state snapshots. The last snapshot
// is replayed to late subscribers. Returns a deregistration func.
func (c *Controller) ListenToState(ch chan<- DisplayState) func() {
	return c.stateEvent.Listen(ch)
}

// ListenToErrors registers fn for run failures (tare errors, device write
// failures). Returns a deregistration func.
func (c *Controller) ListenToErrors(fn func(error)) func() {
	return c.errEvent.Listen(fn)
}

// State returns the current display snapshot.
func (c *Controller) State() DisplayState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Series returns a copy of the retained load samples for plotting.
func (c *Controller) Series() []handoff.Sample {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]handoff.Sample(nil), c.series...)
}

// LastParams returns the parameters of the previous run, or sensible
// defaults when none were saved.
func (c *Controller) LastParams() protocol.Params {
	return c.persist.load()
}

// Connect establishes the device link, updating the button label as the
// attempt progresses.
func (c *Controller) Connect(ctx context.Context) error {
	c.setButton(LabelSearching)
	if err := c.session.Connect(ctx); err != nil {
		c.setButton(LabelConnectFailed)
		return err
	}
	c.setButton(LabelConnected)

	// The battery report lands in the log pane via the session's info
	// listener. One query only: the response slot holds a single command.
	if err := c.session.GetBatteryVoltage(); err != nil {
		c.logger.Printf("Controller: battery query failed: %v", err)
	}

	// Brief confirmation, then the button becomes the run trigger.
	time.AfterFunc(time.Second, func() {
		c.mu.Lock()
		flip := c.state.ButtonLabel == LabelConnected
		c.mu.Unlock()
		if flip {
			c.setButton(LabelRun)
		}
	})
	return nil
}

// StartRun validates params, retunes the sonifier and kicks off the run
// sequence (tare, measurement, poll loop) on the loop goroutine.
func (c *Controller) StartRun(params protocol.Params) error {
	if params.Countdown == 0 {
		params.Countdown = protocol.DefaultCountdown
	}
	if err := params.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	if c.state.Running {
		c.mu.Unlock()
		return ErrRunInProgress
	}
	c.state.Running = true
	c.pending = params
	c.mu.Unlock()

	c.persist.save(params)
	c.cmdChan <- cmdStart
	return nil
}

// Abort cancels an in-flight run and stops the measurement stream.
func (c *Controller) Abort() {
	c.mu.RLock()
	running := c.state.Running
	c.mu.RUnlock()
	if !running {
		return
	}
	c.cmdChan <- cmdAbort
}

// Shutdown stops the loop goroutine. Safe to call more than once.
func (c *Controller) Shutdown() {
	c.shutdownOnce.Do(func() {
		c.logger.Printf("Controller: shutting down")
		c.cancel()
		c.wg.Wait()
		c.logger.Printf("Controller: shutdown complete")
	})
}

func (c *Controller) runLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.pollInterval)
	ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			ticker.Stop()
			return

		case cmd := <-c.cmdChan:
			switch cmd {
			case cmdStart:
				if c.beginRun() {
					ticker.Reset(c.pollInterval)
				}
			case cmdAbort:
				ticker.Stop()
				c.endRun(LabelRun)
				c.logger.Printf("Controller: run aborted")
			}

		case <-ticker.C:
			if c.pollTick(time.Now()) {
				ticker.Stop()
				c.endRun(LabelComplete)
				c.logger.Printf("Controller: run complete")
			}
		}
	}
}

// beginRun performs the pre-run sequence. Runs on the loop goroutine; the
// ticker is stopped while it blocks on the tare.
func (c *Controller) beginRun() bool {
	c.mu.Lock()
	params := c.pending
	c.mu.Unlock()

	fail := func(stage string, err error) bool {
		c.logger.Printf("Controller: %s failed: %v", stage, err)
		c.endRun(LabelRun)
		c.errEvent.Notify(err)
		return false
	}

	if err := c.engine.Retarget(params.TargetLoad); err != nil {
		return fail("sonifier setup", err)
	}

	c.logger.Printf("Controller: taring")
	if err := c.session.SoftTare(c.ctx); err != nil {
		return fail("tare", err)
	}

	if err := c.session.StartWeightMeasurement(); err != nil {
		return fail("measurement start", err)
	}

	run, err := protocol.NewRun(params, c.activation, c.onSetComplete, nil)
	if err != nil {
		return fail("run setup", err)
	}
	now := time.Now()
	run.Arm(now)
	status := run.Tick(now)

	c.mu.Lock()
	c.run = run
	c.series = c.series[:0]
	c.plot.DrainAll() // drop anything that leaked in before the countdown
	c.applyStatusLocked(status, params)
	c.state.ButtonLabel = LabelRunning
	state := c.state
	c.mu.Unlock()

	c.stateEvent.Notify(state)
	c.logger.Printf("Controller: run started (%d sets, target %.1f kg, total %v)",
		params.TotalSets, params.TargetLoad, params.TotalDuration())
	return true
}

// pollTick advances one loop iteration: drain new samples, tick the state
// machine, publish the snapshot. Reports whether the run just completed.
func (c *Controller) pollTick(now time.Time) bool {
	samples := c.plot.DrainAll()

	c.mu.Lock()
	run := c.run
	if run == nil {
		c.mu.Unlock()
		return false
	}

	if len(samples) > 0 {
		c.series = append(c.series, samples...)
		if excess := len(c.series) - maxSeriesSamples; excess > 0 {
			c.series = c.series[excess:]
		}
		c.state.CurrentLoad = samples[len(samples)-1].Weight
	}

	status := run.Tick(now)
	c.applyStatusLocked(status, run.Params())
	state := c.state
	c.mu.Unlock()

	c.stateEvent.Notify(state)
	return status.Phase == protocol.PhaseComplete
}

// endRun tears the run down and leaves label as the button text.
func (c *Controller) endRun(label string) {
	// The engine holds its last activation value, so an abort mid-phase would
	// otherwise leave the tone playing.
	c.activation.Put(false)
	if err := c.session.StopWeightMeasurement(); err != nil {
		c.logger.Printf("Controller: measurement stop failed: %v", err)
	}

	c.mu.Lock()
	c.run = nil
	c.state.Running = false
	c.state.ButtonLabel = label
	state := c.state
	c.mu.Unlock()

	c.stateEvent.Notify(state)
}

// applyStatusLocked copies a state-machine status into the display state.
// Caller holds mu.
func (c *Controller) applyStatusLocked(status protocol.Status, params protocol.Params) {
	info := status.Phase.Info()
	c.state.Phase = status.Phase
	c.state.PhaseLabel = info.Label
	c.state.PhaseColor = info.Color
	c.state.TimerText = status.TimerText
	c.state.SetsCompleted = status.SetsCompleted
	c.state.TotalSets = params.TotalSets
}

func (c *Controller) onSetComplete(completed int) {
	c.logger.Printf("Controller: set %d complete", completed)
}

func (c *Controller) setButton(label string) {
	c.mu.Lock()
	c.state.ButtonLabel = label
	state := c.state
	c.mu.Unlock()
	c.stateEvent.Notify(state)
}
