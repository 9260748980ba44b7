package query

import (
	"cmp"
	"context"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/bader1919/smart-home-analytics-ai/internal/graph"
	"github.com/bader1919/smart-home-analytics-ai/internal/inference"
)

type EnergyItem struct {
	EntityID      string   `json:"entity_id"`
	Name          string   `json:"name"`
	Type          string   `json:"type"`
	Room          string   `json:"room,omitempty"`
	OnSeconds     float64  `json:"on_seconds"`
	Activations   int      `json:"activations"`
	AvgReading    *float64 `json:"avg_reading,omitempty"`
	MaxReading    *float64 `json:"max_reading,omitempty"`
	AffectsMeters []string `json:"affects_meters,omitempty"`
	WasteSeconds  float64  `json:"waste_seconds,omitempty"`
}

// EnergyInsights ranks switched devices by time spent on, and meters by average reading.
func (f *Facade) EnergyInsights(ctx context.Context, tf string, limit int) (Result[EnergyItem], error) {
	rep, err := f.Report(ctx, tf)
	if err != nil {
		return Result[EnergyItem]{Items: []EnergyItem{}}, err
	}
	res := newResult[EnergyItem](rep)

	affects := map[string][]string{}
	for _, h := range rep.EnergyHints {
		affects[h.ActuatorID] = append(affects[h.ActuatorID], h.MeterID)
	}
	waste := map[string]time.Duration{}
	for _, w := range rep.Waste {
		waste[w.EntityID] += w.Duration
	}
	for _, u := range rep.Usage {
		meter := u.Type == "power" || u.Type == "energy"
		if u.Activations == 0 && !meter && len(affects[u.EntityID]) == 0 {
			continue
		}
		res.Items = append(res.Items, EnergyItem{
			EntityID:      u.EntityID,
			Name:          u.Name,
			Type:          u.Type,
			Room:          u.Room,
			OnSeconds:     u.OnDuration.Seconds(),
			Activations:   u.Activations,
			AvgReading:    u.Avg,
			MaxReading:    u.Max,
			AffectsMeters: affects[u.EntityID],
			WasteSeconds:  waste[u.EntityID].Seconds(),
		})
	}
	slices.SortStableFunc(res.Items, func(a, b EnergyItem) int {
		if c := cmp.Compare(b.OnSeconds, a.OnSeconds); c != 0 {
			return c
		}
		return cmp.Compare(deref(b.AvgReading), deref(a.AvgReading))
	})
	res.Items = truncate(res.Items, clampLimit(limit, LimitEnergy))
	return res, nil
}

type Relationship struct {
	Kind     string    `json:"kind"`
	EntityID string    `json:"entity_id"`
	Name     string    `json:"name"`
	Leads    bool      `json:"leads,omitempty"`
	Score    float64   `json:"score"`
	Since    time.Time `json:"since,omitempty"`
	Detail   string    `json:"detail"`
}

type RelationshipResult struct {
	Result[Relationship]
	Device graph.Entity `json:"device"`
}

// DeviceRelationships lists co-activations from the report and stored edges for one device.
func (f *Facade) DeviceRelationships(ctx context.Context, device, tf string, limit int) (RelationshipResult, error) {
	if _, err := ParseTimeframe(tf); err != nil {
		return RelationshipResult{Result: Result[Relationship]{Items: []Relationship{}}}, err
	}
	ent, err := f.resolveEntity(ctx, device)
	if err != nil {
		return RelationshipResult{Result: Result[Relationship]{Items: []Relationship{}}}, err
	}
	rep, err := f.Report(ctx, tf)
	if err != nil {
		return RelationshipResult{Result: Result[Relationship]{Items: []Relationship{}}}, err
	}
	out := RelationshipResult{Result: newResult[Relationship](rep), Device: ent}
	names := f.nameIndex(ctx)

	for _, c := range rep.Correlations {
		if c.A != ent.ID && c.B != ent.ID {
			continue
		}
		other := c.A
		if other == ent.ID {
			other = c.B
		}
		out.Items = append(out.Items, Relationship{
			Kind:     "co_activation",
			EntityID: other,
			Name:     nameOf(names, other),
			Leads:    c.Leader == ent.ID,
			Score:    float64(c.Score),
			Since:    c.FirstAt,
			Detail:   fmt.Sprintf("switched on within %s of each other %d times (avg lag %s)", time.Duration(rep.Params.CorrelationThresholdSec*float64(time.Second)), c.Score, c.AvgLag),
		})
	}

	edges, err := f.store.Edges(ctx, ent.ID)
	if err != nil {
		return out, err
	}
	for _, e := range edges {
		other := e.Other(ent.ID)
		r := Relationship{
			Kind:     strings.ToLower(string(e.Type)),
			EntityID: other,
			Name:     nameOf(names, other),
			Score:    e.Weight,
			Since:    e.UpdatedAt,
		}
		switch e.Type {
		case graph.EdgeSameRoom:
			r.Detail = "located in the same room"
		case graph.EdgeAffectsEnergy:
			r.Leads = e.FromID == ent.ID
			r.Detail = fmt.Sprintf("activations followed by a rise in %s (%.0f times)", nameOf(names, e.ToID), e.Weight)
		}
		out.Items = append(out.Items, r)
	}
	out.Items = truncate(out.Items, clampLimit(limit, LimitRelationships))
	return out, nil
}

type AutomationItem struct {
	Kind        string  `json:"kind"`
	Trigger     string  `json:"trigger"`
	Action      string  `json:"action"`
	Support     int     `json:"support"`
	Confidence  float64 `json:"confidence"`
	Room        string  `json:"room,omitempty"`
	Description string  `json:"description"`
}

// AutomationSuggestions returns trigger suggestions first, then recurring schedules.
func (f *Facade) AutomationSuggestions(ctx context.Context, tf string, limit int) (Result[AutomationItem], error) {
	rep, err := f.Report(ctx, tf)
	if err != nil {
		return Result[AutomationItem]{Items: []AutomationItem{}}, err
	}
	res := newResult[AutomationItem](rep)
	for _, s := range rep.Suggestions {
		res.Items = append(res.Items, AutomationItem{
			Kind: "trigger", Trigger: s.Trigger, Action: s.Action, Support: s.Support,
			Confidence: s.Confidence, Room: s.Room, Description: s.Description,
		})
	}
	for _, c := range rep.Cycles {
		slot := fmt.Sprintf("every %s at %02d:00", c.Weekday, c.Hour)
		res.Items = append(res.Items, AutomationItem{
			Kind: "schedule", Trigger: slot, Action: c.EntityID, Support: c.Count,
			Description: fmt.Sprintf("%s is switched on %s (%d times)", c.EntityID, slot, c.Count),
		})
	}
	res.Items = truncate(res.Items, clampLimit(limit, LimitAutomations))
	return res, nil
}

type AnomalyItem struct {
	Kind        string    `json:"kind"`
	EntityID    string    `json:"entity_id"`
	At          time.Time `json:"at"`
	Severity    float64   `json:"severity"`
	Description string    `json:"description"`
}

// Anomalies merges presence waste and value outliers, most severe first.
func (f *Facade) Anomalies(ctx context.Context, tf string, limit int) (Result[AnomalyItem], error) {
	rep, err := f.Report(ctx, tf)
	if err != nil {
		return Result[AnomalyItem]{Items: []AnomalyItem{}}, err
	}
	res := newResult[AnomalyItem](rep)
	threshold := time.Duration(rep.Params.WasteThresholdSec * float64(time.Second))
	for _, w := range rep.Waste {
		sev := 1.0
		if threshold > 0 {
			sev = w.Duration.Seconds() / threshold.Seconds()
		}
		desc := fmt.Sprintf("%s stayed on for %s after everyone left", w.EntityID, w.Duration.Round(time.Minute))
		if w.Ongoing {
			desc = fmt.Sprintf("%s has been on for %s since everyone left", w.EntityID, w.Duration.Round(time.Minute))
		}
		res.Items = append(res.Items, AnomalyItem{Kind: "energy_waste", EntityID: w.EntityID, At: w.AwayAt, Severity: sev, Description: desc})
	}
	for _, o := range rep.Outliers {
		res.Items = append(res.Items, AnomalyItem{
			Kind: "value_outlier", EntityID: o.EntityID, At: o.TS, Severity: math.Abs(o.Z) / 3,
			Description: fmt.Sprintf("%s read %g, %.1f standard deviations from its mean %.2f", o.EntityID, o.Value, o.Z, o.Mean),
		})
	}
	slices.SortStableFunc(res.Items, func(a, b AnomalyItem) int {
		if c := cmp.Compare(b.Severity, a.Severity); c != 0 {
			return c
		}
		if c := a.At.Compare(b.At); c != 0 {
			return c
		}
		return strings.Compare(a.EntityID, b.EntityID)
	})
	res.Items = truncate(res.Items, clampLimit(limit, LimitAnomalies))
	return res, nil
}

type RoomDevice struct {
	EntityID    string   `json:"entity_id"`
	Name        string   `json:"name"`
	Type        string   `json:"type"`
	Activations int      `json:"activations"`
	OnSeconds   float64  `json:"on_seconds"`
	States      int      `json:"states"`
	AvgReading  *float64 `json:"avg_reading,omitempty"`
}

type RoomResult struct {
	Result[RoomDevice]
	Room         string                  `json:"room"`
	Correlations []inference.Correlation `json:"correlations"`
	Suggestions  []inference.Suggestion  `json:"suggestions"`
}

// RoomAnalysis summarizes device usage and co-activations inside one room.
func (f *Facade) RoomAnalysis(ctx context.Context, room, tf string, limit int) (RoomResult, error) {
	empty := RoomResult{Result: Result[RoomDevice]{Items: []RoomDevice{}}, Room: room,
		Correlations: []inference.Correlation{}, Suggestions: []inference.Suggestion{}}
	if _, err := ParseTimeframe(tf); err != nil {
		return empty, err
	}
	ents, err := f.store.Entities(ctx, graph.EntityFilter{Room: room})
	if err != nil {
		return empty, err
	}
	if strings.TrimSpace(room) == "" || len(ents) == 0 {
		return empty, fmt.Errorf("room %q: %w", room, ErrNotFound)
	}
	rep, err := f.Report(ctx, tf)
	if err != nil {
		return empty, err
	}
	in := map[string]bool{}
	for _, e := range ents {
		in[e.ID] = true
	}
	out := RoomResult{Result: newResult[RoomDevice](rep), Room: ents[0].Room,
		Correlations: []inference.Correlation{}, Suggestions: []inference.Suggestion{}}
	for _, u := range rep.Usage {
		if !in[u.EntityID] {
			continue
		}
		out.Items = append(out.Items, RoomDevice{
			EntityID: u.EntityID, Name: u.Name, Type: u.Type, Activations: u.Activations,
			OnSeconds: u.OnDuration.Seconds(), States: u.States, AvgReading: u.Avg,
		})
	}
	slices.SortStableFunc(out.Items, func(a, b RoomDevice) int {
		if c := cmp.Compare(b.Activations, a.Activations); c != 0 {
			return c
		}
		return cmp.Compare(b.States, a.States)
	})
	for _, c := range rep.Correlations {
		if in[c.A] && in[c.B] {
			out.Correlations = append(out.Correlations, c)
		}
	}
	for _, s := range rep.Suggestions {
		if in[s.Trigger] && in[s.Action] {
			out.Suggestions = append(out.Suggestions, s)
		}
	}
	lim := clampLimit(limit, LimitRoom)
	out.Items = truncate(out.Items, lim)
	out.Correlations = truncate(out.Correlations, lim)
	out.Suggestions = truncate(out.Suggestions, lim)
	return out, nil
}

// Narrative asks the language model to phrase the report as at most ten insights.
func (f *Facade) Narrative(ctx context.Context, tf string) (Result[string], error) {
	if f.narrator == nil {
		return Result[string]{Items: []string{}}, ErrNarratorUnavailable
	}
	rep, err := f.Report(ctx, tf)
	if err != nil {
		return Result[string]{Items: []string{}}, err
	}
	res := newResult[string](rep)
	insights, err := f.narrator.AnalyzePatterns(ctx, Summarize(rep))
	if err != nil {
		return res, fmt.Errorf("narrative: %w", err)
	}
	res.Items = truncate(append(res.Items, insights...), 10)
	return res, nil
}

// Summarize renders the report as plain text for a language model prompt.
func Summarize(rep inference.Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Window: %s (%s to %s), %d entities, %d state changes.\n",
		rep.Window.Name, rep.Window.From.Format(time.RFC3339), rep.Window.To.Format(time.RFC3339), rep.Entities, rep.States)
	if len(rep.Correlations) > 0 {
		b.WriteString("Devices often switched on together:\n")
		for _, c := range truncate(rep.Correlations, 10) {
			fmt.Fprintf(&b, "- %s then %s: %d times\n", c.Leader, c.Follower, c.Score)
		}
	}
	if len(rep.Cycles) > 0 {
		b.WriteString("Recurring routines:\n")
		for _, c := range truncate(rep.Cycles, 10) {
			fmt.Fprintf(&b, "- %s on %s around %02d:00: %d times\n", c.EntityID, c.Weekday, c.Hour, c.Count)
		}
	}
	if len(rep.Waste) > 0 {
		b.WriteString("Left on while nobody was home:\n")
		for _, w := range truncate(rep.Waste, 10) {
			fmt.Fprintf(&b, "- %s for %s\n", w.EntityID, w.Duration.Round(time.Minute))
		}
	}
	if len(rep.EnergyHints) > 0 {
		b.WriteString("Energy drivers:\n")
		for _, h := range truncate(rep.EnergyHints, 10) {
			fmt.Fprintf(&b, "- %s raises %s by %.1f on average\n", h.ActuatorID, h.MeterID, h.AvgDelta)
		}
	}
	if len(rep.Outliers) > 0 {
		b.WriteString("Unusual readings:\n")
		for _, o := range truncate(rep.Outliers, 10) {
			fmt.Fprintf(&b, "- %s read %g at %s (mean %.2f)\n", o.EntityID, o.Value, o.TS.Format(time.RFC3339), o.Mean)
		}
	}
	usage := slices.Clone(rep.Usage)
	slices.SortStableFunc(usage, func(a, b inference.Usage) int { return cmp.Compare(b.OnDuration, a.OnDuration) })
	if len(usage) > 0 {
		b.WriteString("Most used devices:\n")
		for _, u := range truncate(usage, 10) {
			fmt.Fprintf(&b, "- %s: %d activations, on for %s\n", u.Name, u.Activations, u.OnDuration.Round(time.Minute))
		}
	}
	return b.String()
}

func (f *Facade) nameIndex(ctx context.Context) map[string]string {
	ents, err := f.store.Entities(ctx, graph.EntityFilter{})
	if err != nil {
		return map[string]string{}
	}
	out := make(map[string]string, len(ents))
	for _, e := range ents {
		out[e.ID] = e.DisplayName()
	}
	return out
}

func nameOf(names map[string]string, id string) string {
	if n, ok := names[id]; ok {
		return n
	}
	return id
}

func deref(p *float64) float64 {
	if p == nil {
		return math.Inf(-1)
	}
	return *p
}
