package timeline

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/visus/twinsync/internal/protocol"
	"go.uber.org/zap"
)

const ms = time.Millisecond

func step(name string, at time.Duration) Step {
	return Step{Name: name, At: at, Payload: protocol.Payload{Updates: []protocol.ObjectState{{ID: name}}}}
}

func names(steps []Step) []string {
	var out []string
	for _, s := range steps {
		out = append(out, s.Name)
	}
	return out
}

func TestAdvanceFiresStepsInOrder(t *testing.T) {
	tl := New("flash", []Step{step("revert", 500*ms), step("green", 0), step("late", 500*ms)})

	assert.Equal(t, []string{"green"}, names(tl.Advance(16*ms)))
	assert.Empty(t, tl.Advance(400*ms))
	assert.Equal(t, []string{"revert", "late"}, names(tl.Advance(100*ms)))
	assert.Equal(t, Done, tl.State())
	assert.Empty(t, tl.Advance(time.Second))
}

func TestAdvanceLargeStepFiresEverythingDue(t *testing.T) {
	tl := New("burst", []Step{step("a", 10*ms), step("b", 20*ms), step("c", 30*ms)})
	assert.Equal(t, []string{"a", "b"}, names(tl.Advance(25*ms)))
	assert.Equal(t, []string{"c"}, names(tl.Advance(5*ms)))
}

func TestPauseStopsTheClock(t *testing.T) {
	tl := New("p", []Step{step("a", 100*ms)})
	tl.Advance(50 * ms)
	tl.Pause()
	assert.Empty(t, tl.Advance(time.Second))
	assert.Equal(t, 50*ms, tl.Elapsed())

	tl.Resume()
	assert.Equal(t, []string{"a"}, names(tl.Advance(50*ms)))
}

func TestCancelDropsPendingSteps(t *testing.T) {
	tl := New("c", []Step{step("a", 0), step("b", 100*ms)})
	tl.Advance(0)
	tl.Cancel()
	assert.Empty(t, tl.Advance(time.Second))
	assert.Equal(t, Cancelled, tl.State())

	tl.Resume()
	tl.Rewind()
	assert.Equal(t, Cancelled, tl.State(), "cancel is final")
}

func TestLoopWraps(t *testing.T) {
	tl := New("loop", []Step{step("a", 0), step("b", 100*ms)})
	tl.Loop = true
	tl.Period = 200 * ms

	assert.Equal(t, []string{"a"}, names(tl.Advance(0)))
	assert.Equal(t, []string{"b"}, names(tl.Advance(150*ms)))
	assert.Empty(t, tl.Advance(40*ms))
	assert.Equal(t, []string{"a"}, names(tl.Advance(20*ms)))
	assert.Equal(t, 10*ms, tl.Elapsed())
	assert.Equal(t, Running, tl.State())
}

func TestLoopPeriodNeverShorterThanSteps(t *testing.T) {
	tl := New("loop", []Step{step("a", 0), step("b", 300*ms)})
	tl.Loop = true
	tl.Period = 100 * ms

	got := names(tl.Advance(0))
	got = append(got, names(tl.Advance(300*ms))...)
	assert.Equal(t, []string{"a", "b", "a"}, got)
}

func TestLoopClampsTinyPeriod(t *testing.T) {
	tl := New("tiny", []Step{step("a", 0), step("b", time.Nanosecond)})
	tl.Loop = true
	tl.Period = time.Nanosecond

	got := tl.Advance(25 * ms)
	assert.Len(t, got, 6, "three cycles of a 10ms minimum period")
	assert.Equal(t, 5*ms, tl.Elapsed())
}

func TestLoopSkipsMissedCycles(t *testing.T) {
	tl := New("stall", []Step{step("a", 0)})
	tl.Loop = true
	tl.Period = 100 * ms

	got := tl.Advance(10 * time.Second)
	assert.LessOrEqual(t, len(got), maxWraps+1)
	assert.Less(t, tl.Elapsed(), 100*ms)
	assert.Equal(t, Running, tl.State())
}

func TestEmptyTimelineFinishes(t *testing.T) {
	tl := New("empty", nil)
	tl.Loop = true
	assert.Empty(t, tl.Advance(ms))
	assert.True(t, tl.Finished())
}

func TestSchedulerReplacesByName(t *testing.T) {
	s := NewScheduler(zap.NewNop())
	first := New("Robot_Axis_2", []Step{step("white", 500*ms)})
	s.Start(first)
	s.Start(New("Robot_Axis_2", []Step{step("white-2", 500*ms)}))

	assert.Equal(t, Cancelled, first.State())
	assert.Equal(t, 1, s.Len())

	var fired []string
	s.Advance(time.Second, func(tl string, st Step) { fired = append(fired, tl+"/"+st.Name) })
	assert.Equal(t, []string{"Robot_Axis_2/white-2"}, fired)
	assert.Zero(t, s.Len(), "finished timelines are dropped")
}

func TestSchedulerPauseResumeCancel(t *testing.T) {
	s := NewScheduler(zap.NewNop())
	s.Start(New("a", []Step{step("a1", 10*ms)}))
	s.Start(New("b", []Step{step("b1", 10*ms)}))

	require.True(t, s.Pause("a"))
	assert.False(t, s.Pause("missing"))

	var fired []string
	fire := func(_ string, st Step) { fired = append(fired, st.Name) }
	s.Advance(20*ms, fire)
	assert.Equal(t, []string{"b1"}, fired)
	assert.Equal(t, 1, s.Len())

	require.True(t, s.Resume("a"))
	s.Advance(20*ms, fire)
	assert.Equal(t, []string{"b1", "a1"}, fired)

	s.Start(New("c", []Step{step("c1", 10*ms)}))
	require.True(t, s.Cancel("c"))
	s.Advance(20*ms, fire)
	assert.Len(t, fired, 2)
	assert.Zero(t, s.Len())
}

const gripperYAML = `
name: gripper
loop: true
period: 2s
steps:
  - name: revert
    at: 500ms
    updates:
      - id: Robot_Claw_L
        material: {colorHex: "#111111"}
  - name: close
    at: 0s
    updates:
      - id: Robot_Claw_L
        transform: {position: [0.3, 0.15, 0]}
        material: {colorHex: "#ff0000", emissive: 0.8}
      - id: Robot_Claw_R
        visible: false
`

func TestDecode(t *testing.T) {
	tl, err := Decode(strings.NewReader(gripperYAML))
	require.NoError(t, err)

	assert.Equal(t, "gripper", tl.Name)
	assert.True(t, tl.Loop)
	assert.Equal(t, 2*time.Second, tl.Period)
	require.Equal(t, []string{"close", "revert"}, names(tl.Steps()))

	closing := tl.Steps()[0].Payload.Updates
	require.Len(t, closing, 2)
	assert.Equal(t, []float64{0.3, 0.15, 0}, closing[0].Transform.Position)
	assert.Equal(t, "#ff0000", *closing[0].Material.ColorHex)
	assert.Equal(t, 0.8, *closing[0].Material.Emissive)
	assert.False(t, *closing[1].Visible)
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"empty", "", "empty timeline"},
		{"no name", "steps: []", "no name"},
		{"unknown key", "name: x\nspeed: 2", "speed"},
		{"negative offset", "name: x\nsteps:\n  - at: -1s", "negative offset"},
		{"period too short", "name: x\nloop: true\nperiod: 1ns", "period 1ns"},
		{"negative period", "name: x\nperiod: -1s", "period -1s"},
		{"bad field type", "name: x\nsteps:\n  - updates:\n      - id: a\n        transform: {position: up}", "transform.position"},
		{"missing id", "name: x\nsteps:\n  - updates:\n      - visible: true", "missing id"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(strings.NewReader(tc.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestStampGivesFreshIdentity(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	a := Stamp(protocol.Payload{}, now)
	b := Stamp(protocol.Payload{}, now)
	assert.Equal(t, int64(1_700_000_000_000), a.Timestamp)
	assert.NotEmpty(t, a.EventID)
	assert.NotEqual(t, a.EventID, b.EventID)
}

func TestLoadExampleTimeline(t *testing.T) {
	tl, err := Load("../../timelines/valve_cycle.yaml")
	require.NoError(t, err)
	assert.Equal(t, "valve-cycle", tl.Name)
	assert.Equal(t, 3*time.Second, tl.Duration())
	assert.Len(t, tl.Steps(), 3)

	_, err = Load("../../timelines/missing.yaml")
	assert.Error(t, err)
}
