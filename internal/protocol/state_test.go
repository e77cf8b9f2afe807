package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/owenhdiba/tindeq-sonification/internal/handoff"
)

func testParams() Params {
	return Params{
		ActiveDuration: 7 * time.Second,
		RestDuration:   120 * time.Second,
		TargetLoad:     10,
		TotalSets:      6,
		Countdown:      DefaultCountdown,
	}
}

func newTestRun(t *testing.T, p Params) (*Run, *handoff.LatestValue[bool]) {
	t.Helper()
	activation := handoff.NewLatestValue[bool]()
	run, err := NewRun(p, activation, nil, nil)
	require.NoError(t, err)
	return run, activation
}

func TestParamsValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Params)
		wantErr error
	}{
		{"valid", func(*Params) {}, nil},
		{"zero target", func(p *Params) { p.TargetLoad = 0 }, ErrInvalidTargetLoad},
		{"negative target", func(p *Params) { p.TargetLoad = -5 }, ErrInvalidTargetLoad},
		{"zero active", func(p *Params) { p.ActiveDuration = 0 }, ErrInvalidDuration},
		{"zero rest", func(p *Params) { p.RestDuration = 0 }, ErrInvalidDuration},
		{"no sets", func(p *Params) { p.TotalSets = 0 }, ErrInvalidSets},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := testParams()
			tt.mutate(&p)
			err := p.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestTotalDuration(t *testing.T) {
	// 6 sets of 7s active + 120s rest, plus the 10s countdown.
	assert.Equal(t, 772*time.Second, testParams().TotalDuration())
}

func TestIdleTickDoesNothing(t *testing.T) {
	run, activation := newTestRun(t, testParams())

	st := run.Tick(time.Now())
	assert.Equal(t, PhaseIdle, st.Phase)
	assert.False(t, st.Transitioned)
	_, ok := activation.TryGet()
	assert.False(t, ok)
}

func TestCountdownExpiryStartsActive(t *testing.T) {
	run, activation := newTestRun(t, testParams())
	t0 := time.Unix(1000, 0)
	run.Arm(t0)

	// Exactly on the boundary: strict comparison, not expired yet.
	st := run.Tick(t0.Add(10 * time.Second))
	assert.Equal(t, PhaseCountDown, st.Phase)
	assert.False(t, st.Transitioned)

	// Past the boundary: one transition, activation goes true.
	st = run.Tick(t0.Add(10*time.Second + 100*time.Millisecond))
	assert.Equal(t, PhaseActive, st.Phase)
	assert.True(t, st.Transitioned)

	v, ok := activation.TryGet()
	require.True(t, ok)
	assert.True(t, v)

	// Ticking again without time advancing must not transition again.
	st = run.Tick(t0.Add(10*time.Second + 100*time.Millisecond))
	assert.Equal(t, PhaseActive, st.Phase)
	assert.False(t, st.Transitioned)
	_, ok = activation.TryGet()
	assert.False(t, ok)
}

func TestActiveExpiryCountsSetAndRests(t *testing.T) {
	var completed int
	activation := handoff.NewLatestValue[bool]()
	run, err := NewRun(testParams(), activation, func(n int) { completed = n }, nil)
	require.NoError(t, err)

	t0 := time.Unix(0, 0)
	run.Arm(t0)
	now := t0.Add(10*time.Second + time.Millisecond)
	run.Tick(now) // -> Active
	activation.TryGet()

	now = now.Add(7*time.Second + time.Millisecond)
	st := run.Tick(now)
	assert.Equal(t, PhaseRest, st.Phase)
	assert.Equal(t, 1, st.SetsCompleted)
	assert.Equal(t, 5, st.SetsRemaining)
	assert.Equal(t, 1, completed)

	v, ok := activation.TryGet()
	require.True(t, ok)
	assert.False(t, v)
}

func TestFullProtocolReachesComplete(t *testing.T) {
	p := testParams()
	var doneCalls int
	activation := handoff.NewLatestValue[bool]()
	run, err := NewRun(p, activation, nil, func() { doneCalls++ })
	require.NoError(t, err)

	t0 := time.Unix(0, 0)
	run.Arm(t0)

	// Drive the run with a 50ms poll cadence past its total duration.
	step := 50 * time.Millisecond
	end := t0.Add(p.TotalDuration() + time.Second)
	for now := t0; now.Before(end); now = now.Add(step) {
		run.Tick(now)
	}

	assert.Equal(t, PhaseComplete, run.Phase())
	assert.Equal(t, 6, run.SetsCompleted())
	assert.Equal(t, 1, doneCalls)

	// Complete is terminal.
	st := run.Tick(end.Add(time.Hour))
	assert.Equal(t, PhaseComplete, st.Phase)
	assert.False(t, st.Transitioned)
}

func TestArmIsIdempotent(t *testing.T) {
	run, _ := newTestRun(t, testParams())
	t0 := time.Unix(0, 0)
	run.Arm(t0)
	run.Tick(t0.Add(5 * time.Second))

	// A second Arm mid-run must not restart the countdown.
	run.Arm(t0.Add(5 * time.Second))
	st := run.Tick(t0.Add(10*time.Second + time.Millisecond))
	assert.Equal(t, PhaseActive, st.Phase)
}

func TestFormatTimer(t *testing.T) {
	assert.Equal(t, "00:10", FormatTimer(10*time.Second))
	assert.Equal(t, "02:00", FormatTimer(2*time.Minute))
	assert.Equal(t, "01:59", FormatTimer(119*time.Second+900*time.Millisecond))
	assert.Equal(t, "00:00", FormatTimer(-time.Second))
}

func TestRestExpiryResumesActiveUntilLastSet(t *testing.T) {
	p := testParams()
	p.TotalSets = 2
	run, activation := newTestRun(t, p)

	t0 := time.Unix(0, 0)
	run.Arm(t0)
	now := t0

	advancePast := func(d time.Duration) Status {
		now = now.Add(d + time.Millisecond)
		return run.Tick(now)
	}

	assert.Equal(t, PhaseActive, advancePast(p.Countdown).Phase)
	assert.Equal(t, PhaseRest, advancePast(p.ActiveDuration).Phase)

	// One set left: rest expiry returns to active.
	st := advancePast(p.RestDuration)
	assert.Equal(t, PhaseActive, st.Phase)
	v, ok := activation.TryGet()
	require.True(t, ok)
	assert.True(t, v)

	assert.Equal(t, PhaseRest, advancePast(p.ActiveDuration).Phase)
	st = advancePast(p.RestDuration)
	assert.Equal(t, PhaseComplete, st.Phase)
	assert.Equal(t, 2, st.SetsCompleted)
}
