package inference

import (
	"cmp"
	"slices"
	"strings"

	"github.com/bader1919/smart-home-analytics-ai/internal/graph"
)

var (
	presenceTypes = map[string]bool{"person": true, "device_tracker": true, "presence": true}
	awayValues    = map[string]bool{"away": true, "not_home": true}
	onValues      = map[string]bool{"on": true, "open": true, "playing": true, "true": true}
	passiveTypes  = map[string]bool{
		"sensor": true, "binary_sensor": true, "power": true, "energy": true,
		"automation": true, "scene": true, "generic": true,
	}
	meterUnits = map[string]bool{"w": true, "kw": true, "wh": true, "kwh": true}
)

func isOn(v string) bool {
	return onValues[strings.ToLower(strings.TrimSpace(v))]
}

func isAway(v string) bool {
	return awayValues[strings.ToLower(strings.TrimSpace(v))]
}

func isPresence(e graph.Entity) bool { return presenceTypes[e.Type] }

// isActuator reports whether e is something a user switches, i.e. neither a presence nor a sensor.
func isActuator(e graph.Entity) bool {
	return !isPresence(e) && !passiveTypes[e.Type]
}

// isSwitchable reports whether e can be the action of a suggestion: an actuator, or an entity
// whose type is unknown and so cannot be ruled out as one.
func isSwitchable(e graph.Entity) bool {
	if isPresence(e) {
		return false
	}
	return isActuator(e) || e.Type == "" || e.Type == "generic"
}

func isMeter(e graph.Entity) bool {
	if e.Type == "power" || e.Type == "energy" {
		return true
	}
	if e.Type != "sensor" {
		return false
	}
	if dc, _ := e.Attributes["device_class"].(string); dc == "power" || dc == "energy" {
		return true
	}
	unit, _ := e.Attributes["unit_of_measurement"].(string)
	return meterUnits[strings.ToLower(strings.TrimSpace(unit))]
}

// snapshot is an immutable, ordered view of one window.
type snapshot struct {
	window   Window
	entities map[string]graph.Entity
	ids      []string
	byEntity map[string][]graph.State
	timeline []graph.State
}

func newSnapshot(w Window, entities []graph.Entity, states []graph.State) *snapshot {
	s := &snapshot{
		window:   w,
		entities: make(map[string]graph.Entity, len(entities)),
		byEntity: map[string][]graph.State{},
	}
	for _, e := range entities {
		s.entities[e.ID] = e
	}
	for _, st := range states {
		if _, ok := s.entities[st.EntityID]; !ok {
			s.entities[st.EntityID] = graph.Entity{ID: st.EntityID, Type: domainOf(st.EntityID)}
		}
		s.byEntity[st.EntityID] = append(s.byEntity[st.EntityID], st)
	}
	s.ids = make([]string, 0, len(s.entities))
	for id := range s.entities {
		s.ids = append(s.ids, id)
	}
	slices.Sort(s.ids)
	for id := range s.byEntity {
		slices.SortStableFunc(s.byEntity[id], compareState)
	}
	s.timeline = slices.Clone(states)
	slices.SortStableFunc(s.timeline, compareState)
	return s
}

func compareState(a, b graph.State) int {
	if c := a.TS.Compare(b.TS); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Seq, b.Seq); c != 0 {
		return c
	}
	return strings.Compare(a.EntityID, b.EntityID)
}

func domainOf(id string) string {
	if i := strings.IndexByte(id, '.'); i > 0 {
		return id[:i]
	}
	return "generic"
}
