package inference

import (
	"context"
	"errors"
	"math/rand"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/bader1919/smart-home-analytics-ai/internal/graph"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2025, 3, 3, 7, 0, 0, 0, time.UTC) // a Monday

type fixture struct {
	entities []graph.Entity
	states   []graph.State
	seq      int64
}

func (f *fixture) entity(id, typ, room string) {
	f.entities = append(f.entities, graph.Entity{ID: id, Type: typ, Room: room})
}

func (f *fixture) state(id, value string, ts time.Time) {
	f.seq++
	s := graph.State{EntityID: id, TS: ts, EventID: strconv.FormatInt(f.seq, 10), Seq: f.seq, Value: value}
	if v, err := strconv.ParseFloat(value, 64); err == nil {
		s.Numeric = &v
	}
	f.states = append(f.states, s)
}

func (f *fixture) Entities(context.Context, graph.EntityFilter) ([]graph.Entity, error) {
	return f.entities, nil
}

func (f *fixture) States(_ context.Context, q graph.StateQuery) ([]graph.State, error) {
	var out []graph.State
	for _, s := range f.states {
		if (q.From.IsZero() || !s.TS.Before(q.From)) && (q.To.IsZero() || s.TS.Before(q.To)) {
			out = append(out, s)
		}
	}
	return out, nil
}

func week() Window {
	return Window{Name: "last 7 days", From: base.Add(-24 * time.Hour), To: base.Add(6 * 24 * time.Hour)}
}

// motionLight builds n motion->light pairs, 30s apart, one hour between pairs.
func motionLight(n int) *fixture {
	f := &fixture{}
	f.entity("binary_sensor.motion_1", "binary_sensor", "hall")
	f.entity("light.light_1", "light", "hall")
	for i := 0; i < n; i++ {
		t := base.Add(time.Duration(i) * time.Hour)
		f.state("binary_sensor.motion_1", "on", t)
		f.state("light.light_1", "on", t.Add(30*time.Second))
		f.state("binary_sensor.motion_1", "off", t.Add(2*time.Minute))
		f.state("light.light_1", "off", t.Add(20*time.Minute))
	}
	return f
}

func TestMotionLightProducesOneSuggestion(t *testing.T) {
	f := motionLight(6)
	rep := Analyze(week(), f.entities, f.states, DefaultParams())

	require.Len(t, rep.Correlations, 1)
	c := rep.Correlations[0]
	assert.Equal(t, 6, c.Score)
	assert.Equal(t, "binary_sensor.motion_1", c.Leader)
	assert.Equal(t, "light.light_1", c.Follower)
	assert.Equal(t, 30*time.Second, c.AvgLag)
	assert.True(t, c.SameRoom)
	assert.Equal(t, base, c.FirstAt)

	require.Len(t, rep.Suggestions, 1)
	s := rep.Suggestions[0]
	assert.Equal(t, "binary_sensor.motion_1", s.Trigger)
	assert.Equal(t, "light.light_1", s.Action)
	assert.Equal(t, 6, s.Support)
	assert.InDelta(t, 1.0, s.Confidence, 1e-9)
	assert.Equal(t, "hall", s.Room)
}

func TestUntypedEntitiesStillProduceSuggestion(t *testing.T) {
	for name, types := range map[string][2]string{
		"no type":       {"", ""},
		"generic light": {"binary_sensor", "generic"},
		"both generic":  {"generic", "generic"},
	} {
		t.Run(name, func(t *testing.T) {
			f := &fixture{}
			f.entity("motion_1", types[0], "")
			f.entity("light_1", types[1], "")
			for i := 0; i < 6; i++ {
				at := base.Add(time.Duration(i) * time.Hour)
				f.state("motion_1", "on", at)
				f.state("light_1", "on", at.Add(30*time.Second))
			}
			rep := Analyze(week(), f.entities, f.states, DefaultParams())

			require.Len(t, rep.Correlations, 1)
			assert.Equal(t, 6, rep.Correlations[0].Score)
			require.Len(t, rep.Suggestions, 1)
			assert.Equal(t, "motion_1", rep.Suggestions[0].Trigger)
			assert.Equal(t, "light_1", rep.Suggestions[0].Action)
		})
	}
}

func TestTwoSensorsSuggestNothing(t *testing.T) {
	f := &fixture{}
	f.entity("binary_sensor.door", "binary_sensor", "")
	f.entity("binary_sensor.motion", "binary_sensor", "")
	for i := 0; i < 6; i++ {
		at := base.Add(time.Duration(i) * time.Hour)
		f.state("binary_sensor.door", "on", at)
		f.state("binary_sensor.motion", "on", at.Add(10*time.Second))
	}
	rep := Analyze(week(), f.entities, f.states, DefaultParams())
	require.Len(t, rep.Correlations, 1)
	assert.Empty(t, rep.Suggestions)
}

func TestBelowMinSupportSuggestsNothing(t *testing.T) {
	f := motionLight(4)
	rep := Analyze(week(), f.entities, f.states, DefaultParams())
	require.Len(t, rep.Correlations, 1)
	assert.Equal(t, 4, rep.Correlations[0].Score)
	assert.Empty(t, rep.Suggestions)
}

func TestCorrelationThresholdIsExclusive(t *testing.T) {
	f := &fixture{}
	f.entity("light.a", "light", "")
	f.entity("light.b", "light", "")
	f.state("light.a", "on", base)
	f.state("light.b", "on", base.Add(300*time.Second))
	f.state("light.a", "on", base.Add(time.Hour))
	f.state("light.b", "on", base.Add(time.Hour+299*time.Second))

	rep := Analyze(week(), f.entities, f.states, DefaultParams())
	require.Len(t, rep.Correlations, 1)
	assert.Equal(t, 1, rep.Correlations[0].Score)
	assert.Equal(t, base.Add(time.Hour), rep.Correlations[0].FirstAt)
}

func TestCorrelationRankingTieBreaksOnFirstOccurrence(t *testing.T) {
	f := &fixture{}
	for _, id := range []string{"light.a", "light.b", "light.c", "light.d"} {
		f.entity(id, "light", "")
	}
	// c/d pair first at base, a/b pair first an hour later; both score 2.
	for i := 0; i < 2; i++ {
		t0 := base.Add(time.Duration(i) * 3 * time.Hour)
		f.state("light.c", "on", t0)
		f.state("light.d", "on", t0.Add(10*time.Second))
		f.state("light.a", "on", t0.Add(time.Hour))
		f.state("light.b", "on", t0.Add(time.Hour+10*time.Second))
	}
	rep := Analyze(week(), f.entities, f.states, DefaultParams())
	require.Len(t, rep.Correlations, 2)
	assert.Equal(t, "light.c", rep.Correlations[0].A)
	assert.Equal(t, "light.a", rep.Correlations[1].A)
}

func TestAnalyzeIsDeterministic(t *testing.T) {
	f := motionLight(8)
	f.entity("person.alice", "person", "")
	f.entity("sensor.temp", "sensor", "hall")
	for i := 0; i < 30; i++ {
		f.state("sensor.temp", strconv.Itoa(20+i%3), base.Add(time.Duration(i)*10*time.Minute))
	}
	f.state("person.alice", "not_home", base.Add(3*time.Hour+10*time.Second))

	first := Analyze(week(), f.entities, f.states, DefaultParams())
	for round := 0; round < 5; round++ {
		shuffled := append([]graph.State(nil), f.states...)
		rand.New(rand.NewSource(int64(round))).Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		assert.Equal(t, first, Analyze(week(), f.entities, shuffled, DefaultParams()))
	}
}

func TestCyclesNeedMinSupport(t *testing.T) {
	f := &fixture{}
	f.entity("switch.coffee", "switch", "kitchen")
	f.entity("light.porch", "light", "")
	window := Window{Name: "last 30 days", From: base.Add(-time.Hour), To: base.Add(40 * 24 * time.Hour)}
	for i := 0; i < 5; i++ {
		f.state("switch.coffee", "on", base.Add(time.Duration(i)*7*24*time.Hour+15*time.Minute))
	}
	for i := 0; i < 4; i++ {
		f.state("light.porch", "on", base.Add(time.Duration(i)*7*24*time.Hour+12*time.Hour))
	}
	rep := Analyze(window, f.entities, f.states, DefaultParams())
	require.Len(t, rep.Cycles, 1)
	assert.Equal(t, Cycle{EntityID: "switch.coffee", Weekday: time.Monday, Hour: 7, Count: 5}, rep.Cycles[0])

	p := DefaultParams()
	p.Location = time.FixedZone("UTC+3", 3*3600)
	rep = Analyze(window, f.entities, f.states, p)
	require.Len(t, rep.Cycles, 1)
	assert.Equal(t, 10, rep.Cycles[0].Hour)
}

func presenceFixture() *fixture {
	f := &fixture{}
	f.entity("person.alice", "person", "")
	f.entity("device_tracker.bob", "device_tracker", "")
	f.entity("light.hall", "light", "hall")
	f.entity("binary_sensor.door", "binary_sensor", "hall")
	f.state("person.alice", "home", base)
	f.state("device_tracker.bob", "home", base)
	f.state("light.hall", "on", base.Add(time.Minute))
	f.state("binary_sensor.door", "on", base.Add(2*time.Minute))
	f.state("person.alice", "not_home", base.Add(5*time.Minute))
	return f
}

func TestPresenceWasteFlagsLightLeftOn(t *testing.T) {
	f := presenceFixture()
	f.state("device_tracker.bob", "away", base.Add(10*time.Minute))
	f.state("light.hall", "off", base.Add(55*time.Minute))

	rep := Analyze(week(), f.entities, f.states, DefaultParams())
	require.Len(t, rep.Waste, 1)
	w := rep.Waste[0]
	assert.Equal(t, "light.hall", w.EntityID)
	assert.Equal(t, "device_tracker.bob", w.PresenceID)
	assert.Equal(t, 45*time.Minute, w.Duration)
	assert.Equal(t, base.Add(time.Minute), w.OnSince)
	assert.False(t, w.Ongoing)
}

func TestPresenceWasteNotFlagged(t *testing.T) {
	t.Run("someone still home", func(t *testing.T) {
		f := presenceFixture()
		f.state("light.hall", "off", base.Add(3*time.Hour))
		assert.Empty(t, Analyze(week(), f.entities, f.states, DefaultParams()).Waste)
	})
	t.Run("turned off quickly", func(t *testing.T) {
		f := presenceFixture()
		f.state("device_tracker.bob", "not_home", base.Add(10*time.Minute))
		f.state("light.hall", "off", base.Add(20*time.Minute))
		assert.Empty(t, Analyze(week(), f.entities, f.states, DefaultParams()).Waste)
	})
	t.Run("came back", func(t *testing.T) {
		f := presenceFixture()
		f.state("device_tracker.bob", "not_home", base.Add(10*time.Minute))
		f.state("person.alice", "home", base.Add(30*time.Minute))
		f.state("light.hall", "off", base.Add(3*time.Hour))
		assert.Empty(t, Analyze(week(), f.entities, f.states, DefaultParams()).Waste)
	})
}

func TestPresenceWasteOngoingAtWindowEnd(t *testing.T) {
	f := presenceFixture()
	f.state("device_tracker.bob", "not_home", base.Add(10*time.Minute))
	rep := Analyze(week(), f.entities, f.states, DefaultParams())
	require.Len(t, rep.Waste, 1)
	assert.True(t, rep.Waste[0].Ongoing)
	assert.Equal(t, week().To.Sub(base.Add(10*time.Minute)), rep.Waste[0].Duration)
}

func heaterFixture(n int) *fixture {
	f := &fixture{}
	f.entity("switch.heater", "switch", "bath")
	f.entity("sensor.heater_power", "power", "bath")
	for i := 0; i < n; i++ {
		t0 := base.Add(time.Duration(i) * time.Hour)
		f.state("sensor.heater_power", "5", t0.Add(-time.Minute))
		f.state("switch.heater", "on", t0)
		f.state("sensor.heater_power", "1500", t0.Add(30*time.Second))
		f.state("switch.heater", "off", t0.Add(10*time.Minute))
		f.state("sensor.heater_power", "5", t0.Add(10*time.Minute+time.Second))
	}
	return f
}

func TestEnergyHints(t *testing.T) {
	f := heaterFixture(5)
	rep := Analyze(week(), f.entities, f.states, DefaultParams())
	require.Len(t, rep.EnergyHints, 1)
	h := rep.EnergyHints[0]
	assert.Equal(t, "switch.heater", h.ActuatorID)
	assert.Equal(t, "sensor.heater_power", h.MeterID)
	assert.Equal(t, 5, h.Count)
	assert.InDelta(t, 1495, h.AvgDelta, 1e-9)
	assert.InDelta(t, 1.0, h.Share(), 1e-9)

	var heater Usage
	for _, u := range rep.Usage {
		if u.EntityID == "switch.heater" {
			heater = u
		}
	}
	assert.Equal(t, 5, heater.Activations)
	assert.Equal(t, 50*time.Minute, heater.OnDuration)
}

func TestValueOutliers(t *testing.T) {
	f := &fixture{}
	f.entity("sensor.temp", "sensor", "")
	for i := 0; i < 19; i++ {
		f.state("sensor.temp", "20", base.Add(time.Duration(i)*time.Minute))
	}
	f.state("sensor.temp", "60", base.Add(time.Hour))

	rep := Analyze(week(), f.entities, f.states, DefaultParams())
	require.Len(t, rep.Outliers, 1)
	o := rep.Outliers[0]
	assert.Equal(t, 60.0, o.Value)
	assert.InDelta(t, 22.0, o.Mean, 1e-9)
	assert.Greater(t, o.Z, 3.0)

	var temp Usage
	for _, u := range rep.Usage {
		if u.EntityID == "sensor.temp" {
			temp = u
		}
	}
	require.NotNil(t, temp.Min)
	assert.Equal(t, 20.0, *temp.Min)
	assert.Equal(t, 60.0, *temp.Max)
	assert.InDelta(t, 22.0, *temp.Avg, 1e-9)
}

func TestRunReadsOnlyTheWindow(t *testing.T) {
	f := motionLight(6)
	eng := NewEngine(f, DefaultParams())
	w := Window{Name: "narrow", From: base, To: base.Add(3 * time.Hour)}
	rep, err := eng.Run(context.Background(), w)
	require.NoError(t, err)
	require.Len(t, rep.Correlations, 1)
	assert.Equal(t, 3, rep.Correlations[0].Score)
	assert.Empty(t, rep.Suggestions)
}

func TestRunWindowsStopsWhenCancelled(t *testing.T) {
	f := motionLight(6)
	eng := NewEngine(f, DefaultParams())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	reps, err := eng.RunWindows(ctx, []Window{week(), week()})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, reps)

	reps, err = eng.RunWindows(context.Background(), []Window{week(), week()})
	require.NoError(t, err)
	assert.Len(t, reps, 2)
}

type recorder struct {
	mu        sync.Mutex
	published []Report
	edges     []graph.Edge
	events    []string
}

func (r *recorder) Publish(_ context.Context, rep Report) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.published = append(r.published, rep)
	return nil
}

func (r *recorder) UpsertEdge(_ context.Context, e graph.Edge) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.edges = append(r.edges, e)
	return nil
}

func (r *recorder) Broadcast(kind string, _ any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, kind)
}

func TestSchedulerRunOncePublishesAndPersistsHints(t *testing.T) {
	f := heaterFixture(5)
	rec := &recorder{}
	prepared := 0
	now := base.Add(24 * time.Hour)
	s, err := NewScheduler(NewEngine(f, DefaultParams()), SchedulerOptions{
		Periods: []Period{
			{Name: "last 7 days", Length: 7 * 24 * time.Hour},
			{Name: "last 30 days", Length: 30 * 24 * time.Hour},
		},
		Publisher:   rec,
		Edges:       rec,
		Broadcaster: rec,
		Now:         func() time.Time { return now },
		Prepare: func(context.Context) error {
			prepared++
			return errors.New("model offline")
		},
	})
	require.NoError(t, err)

	reps, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, reps, 2)
	assert.Equal(t, now, reps[0].GeneratedAt)
	assert.Len(t, rec.published, 2)
	assert.Equal(t, []string{"inference.report", "inference.report"}, rec.events)
	require.Len(t, rec.edges, 1)
	assert.Equal(t, graph.EdgeAffectsEnergy, rec.edges[0].Type)
	assert.Equal(t, "switch.heater", rec.edges[0].FromID)
	assert.Equal(t, "sensor.heater_power", rec.edges[0].ToID)
	assert.Equal(t, 5.0, rec.edges[0].Weight, "weight is the supporting count")
	assert.Equal(t, 1, prepared)
}

func TestNewSchedulerRejectsBadSpec(t *testing.T) {
	_, err := NewScheduler(NewEngine(&fixture{}, DefaultParams()), SchedulerOptions{Spec: "every so often", Periods: []Period{{Name: "x", Length: time.Hour}}})
	assert.Error(t, err)
	_, err = NewScheduler(NewEngine(&fixture{}, DefaultParams()), SchedulerOptions{})
	assert.Error(t, err)
}
