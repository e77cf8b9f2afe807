// Package sonify turns the live load stream into audible feedback: a steady
// tone while the grip holds the target force, with Gaussian noise mixed in
// as the load drifts off target.
package sonify

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sync/atomic"

	"github.com/gopxl/beep/v2"

	"github.com/owenhdiba/tindeq-sonification/internal/handoff"
)

// Defaults for the feedback tone.
const (
	DefaultFrequency = 500.0 // Hz
	DefaultAmplitude = 0.2
	DefaultTolerance = 0.1 // kg either side of the target
)

// Params is the per-run synthesis configuration. The whole struct is swapped
// atomically so the audio goroutine never observes a half-updated set.
type Params struct {
	TargetLoad float64 // kg, must be positive
	Tolerance  float64 // absolute band (kg) around the target treated as on-target
	Frequency  float64 // tone frequency in Hz
	Amplitude  float64 // peak amplitude of the pure tone, (0, 1]
}

func (p Params) validate() error {
	if p.TargetLoad <= 0 {
		return fmt.Errorf("sonify: target load must be positive, got %v", p.TargetLoad)
	}
	if p.Tolerance < 0 {
		return fmt.Errorf("sonify: tolerance cannot be negative, got %v", p.Tolerance)
	}
	if p.Frequency <= 0 {
		return fmt.Errorf("sonify: frequency must be positive, got %v", p.Frequency)
	}
	if p.Amplitude <= 0 || p.Amplitude > 1 {
		return fmt.Errorf("sonify: amplitude must be in (0, 1], got %v", p.Amplitude)
	}
	return nil
}

// Engine synthesizes the feedback signal. It implements beep.Streamer and is
// driven by the speaker's pull loop; everything inside Stream stays
// allocation-free. Activation and load arrive through the hand-off slots and
// the last seen value is held until a newer one lands.
type Engine struct {
	sampleRate beep.SampleRate
	activation *handoff.LatestValue[bool]
	load       *handoff.LatestValue[float64]
	params     atomic.Pointer[Params]

	// State below is touched only by the audio goroutine.
	active   bool
	lastLoad float64
	haveLoad bool
	counter  uint64
}

// NewEngine builds an engine at the given output sample rate.
func NewEngine(sampleRate beep.SampleRate, activation *handoff.LatestValue[bool], load *handoff.LatestValue[float64], params Params) (*Engine, error) {
	if activation == nil || load == nil {
		panic("sonify: hand-off slots cannot be nil")
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sonify: sample rate must be positive, got %d", sampleRate)
	}
	if err := params.validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		sampleRate: sampleRate,
		activation: activation,
		load:       load,
	}
	e.params.Store(&params)
	return e, nil
}

// SetParams installs a new parameter set for the next run.
func (e *Engine) SetParams(params Params) error {
	if err := params.validate(); err != nil {
		return err
	}
	e.params.Store(&params)
	return nil
}

// Retarget changes only the target load, keeping the configured tone and
// tolerance.
func (e *Engine) Retarget(targetLoad float64) error {
	params := *e.params.Load()
	params.TargetLoad = targetLoad
	return e.SetParams(params)
}

// Stream fills samples with the feedback signal. While inactive (rest phases,
// before the run) it emits silence but keeps advancing the sample counter so
// the tone's phase stays continuous across activations.
func (e *Engine) Stream(samples [][2]float64) (int, bool) {
	if v, ok := e.activation.TryGet(); ok {
		e.active = v
	}
	if !e.active {
		for i := range samples {
			samples[i][0] = 0
			samples[i][1] = 0
		}
		e.counter += uint64(len(samples))
		return len(samples), true
	}

	p := e.params.Load()
	if v, ok := e.load.TryGet(); ok {
		e.lastLoad = v
		e.haveLoad = true
	}
	// Until the first sample arrives the grip counts as on-target. The pure
	// tone plays inside an absolute band around the target; the noise floor
	// outside it grows with the relative deviation.
	noisy := false
	scale := 0.0
	if e.haveLoad {
		noisy = math.Abs(p.TargetLoad-e.lastLoad) > p.Tolerance
		scale = math.Abs(p.TargetLoad-e.lastLoad) / p.TargetLoad
	}

	omega := 2 * math.Pi * p.Frequency / float64(e.sampleRate)
	for i := range samples {
		v := p.Amplitude * math.Sin(omega*float64(e.counter))
		if noisy {
			v += scale * rand.NormFloat64()
		}
		samples[i][0] = v
		samples[i][1] = v
		e.counter++
	}
	return len(samples), true
}

// Err implements beep.Streamer. Synthesis cannot fail.
func (e *Engine) Err() error { return nil }
