// Package protocol holds the exercise protocol state machine: a pure,
// time-driven progression through countdown, active and rest phases. It has
// no goroutines of its own; the controller's poll loop feeds it wall-clock
// time via Tick.
package protocol

import (
	"errors"
	"fmt"
	"time"

	"github.com/owenhdiba/tindeq-sonification/internal/handoff"
)

// Phase identifies one segment of the exercise protocol.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseCountDown
	PhaseActive
	PhaseRest
	PhaseComplete
)

// PhaseInfo is the display table for a phase, mirroring the original UI's
// timer colors.
type PhaseInfo struct {
	Phase Phase
	Label string
	Color string
}

var phaseTable = map[Phase]PhaseInfo{
	PhaseIdle:      {Phase: PhaseIdle, Label: "Idle", Color: "gray"},
	PhaseCountDown: {Phase: PhaseCountDown, Label: "Count Down", Color: "orange"},
	PhaseActive:    {Phase: PhaseActive, Label: "Active", Color: "green"},
	PhaseRest:      {Phase: PhaseRest, Label: "Rest", Color: "red"},
	PhaseComplete:  {Phase: PhaseComplete, Label: "Complete", Color: "gray"},
}

// Info returns the display label and color for p.
func (p Phase) Info() PhaseInfo {
	return phaseTable[p]
}

func (p Phase) String() string {
	return phaseTable[p].Label
}

// DefaultCountdown is the fixed lead-in before the first active phase.
const DefaultCountdown = 10 * time.Second

// Params are the user-chosen run parameters. They are set once before a run
// is armed and never change while the run is in flight.
type Params struct {
	ActiveDuration time.Duration
	RestDuration   time.Duration
	TargetLoad     float64 // kg
	TotalSets      int
	Countdown      time.Duration
}

var (
	ErrInvalidTargetLoad = errors.New("target load must be positive")
	ErrInvalidDuration   = errors.New("durations must be positive")
	ErrInvalidSets       = errors.New("set count must be at least 1")
)

// Validate rejects parameter sets the rest of the system cannot handle.
// In particular a non-positive target load would put a division by zero
// inside the audio callback, so it is refused here, at configuration time.
func (p Params) Validate() error {
	if p.TargetLoad <= 0 {
		return fmt.Errorf("%w: %v", ErrInvalidTargetLoad, p.TargetLoad)
	}
	if p.ActiveDuration <= 0 || p.RestDuration <= 0 || p.Countdown <= 0 {
		return ErrInvalidDuration
	}
	if p.TotalSets < 1 {
		return fmt.Errorf("%w: %d", ErrInvalidSets, p.TotalSets)
	}
	return nil
}

// TotalDuration is how long the device needs to log weight for a full run.
func (p Params) TotalDuration() time.Duration {
	return time.Duration(p.TotalSets)*(p.ActiveDuration+p.RestDuration) + p.Countdown
}

// Status is the read-only snapshot a Tick returns for display.
type Status struct {
	Phase         Phase
	Remaining     time.Duration
	TimerText     string // MM:SS
	SetsCompleted int
	SetsRemaining int
	Transitioned  bool // this tick crossed a phase boundary
}

// Run is the state of one armed exercise protocol. Phase transitions happen
// only inside Tick; the activation slot tells the audio engine whether the
// lifter should currently be pulling.
type Run struct {
	params     Params
	phase      Phase
	phaseStart time.Time

	setsRemaining int
	setsCompleted int

	activation *handoff.LatestValue[bool]

	onSetComplete func(completed int)
	onComplete    func()
}

// NewRun builds an idle run. onSetComplete and onComplete may be nil.
func NewRun(params Params, activation *handoff.LatestValue[bool], onSetComplete func(int), onComplete func()) (*Run, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if activation == nil {
		return nil, errors.New("protocol: activation slot cannot be nil")
	}
	return &Run{
		params:        params,
		phase:         PhaseIdle,
		setsRemaining: params.TotalSets,
		activation:    activation,
		onSetComplete: onSetComplete,
		onComplete:    onComplete,
	}, nil
}

// Params returns the immutable run parameters.
func (r *Run) Params() Params { return r.params }

// Phase returns the current phase.
func (r *Run) Phase() Phase { return r.phase }

// SetsCompleted returns the number of finished active phases.
func (r *Run) SetsCompleted() int { return r.setsCompleted }

// Arm starts the countdown. It is the explicit start trigger: a Tick on an
// idle run does nothing, so a poll loop that outlives a run cannot restart
// one by accident.
func (r *Run) Arm(now time.Time) {
	if r.phase != PhaseIdle {
		return
	}
	r.enter(PhaseCountDown, now)
}

// Tick advances the run to now. At most one phase boundary is crossed per
// call. Calling Tick twice with the same now never double-transitions: the
// first call resets the phase start to now, so the second sees zero elapsed.
func (r *Run) Tick(now time.Time) Status {
	if r.phase == PhaseIdle || r.phase == PhaseComplete {
		return r.status(0, false)
	}

	duration := r.phaseDuration()
	elapsed := now.Sub(r.phaseStart)
	remaining := duration - elapsed
	if remaining < 0 {
		remaining = 0
	}

	// Strict comparison: a tick landing exactly on the boundary has not yet
	// expired the phase.
	if elapsed <= duration {
		return r.status(remaining, false)
	}

	switch r.phase {
	case PhaseCountDown:
		r.enter(PhaseActive, now)
		r.activation.Put(true)

	case PhaseActive:
		r.setsRemaining--
		r.setsCompleted++
		if r.onSetComplete != nil {
			r.onSetComplete(r.setsCompleted)
		}
		r.enter(PhaseRest, now)
		r.activation.Put(false)

	case PhaseRest:
		if r.setsRemaining == 0 {
			r.enter(PhaseComplete, now)
			if r.onComplete != nil {
				r.onComplete()
			}
		} else {
			r.enter(PhaseActive, now)
			r.activation.Put(true)
		}
	}

	return r.status(r.remainingAfterTransition(now), true)
}

func (r *Run) enter(p Phase, now time.Time) {
	r.phase = p
	r.phaseStart = now
}

func (r *Run) phaseDuration() time.Duration {
	switch r.phase {
	case PhaseCountDown:
		return r.params.Countdown
	case PhaseActive:
		return r.params.ActiveDuration
	case PhaseRest:
		return r.params.RestDuration
	default:
		return 0
	}
}

func (r *Run) remainingAfterTransition(now time.Time) time.Duration {
	if r.phase == PhaseComplete {
		return 0
	}
	return r.phaseDuration() - now.Sub(r.phaseStart)
}

func (r *Run) status(remaining time.Duration, transitioned bool) Status {
	return Status{
		Phase:         r.phase,
		Remaining:     remaining,
		TimerText:     FormatTimer(remaining),
		SetsCompleted: r.setsCompleted,
		SetsRemaining: r.setsRemaining,
		Transitioned:  transitioned,
	}
}

// FormatTimer renders a duration as MM:SS, truncating fractional seconds.
func FormatTimer(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int(d.Seconds())
	return fmt.Sprintf("%02d:%02d", total/60, total%60)
}
