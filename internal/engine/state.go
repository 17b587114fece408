package engine

import "fmt"

// State tracks where one image sits in the georeferencing flow. The
// engine itself is stateless; callers thread the state through their
// own session layer and the engine reports the state each operation
// lands in.
type State string

const (
	// StateStart is a freshly registered image.
	StateStart State = "start"
	// StateAwaitManualBBox means no metadata location was found and a
	// caller-drawn bounding box is required before matching.
	StateAwaitManualBBox State = "await_manual_bbox"
	// StateAutoMatch means an automatic match is in flight.
	StateAutoMatch State = "auto_match"
	// StateFallbackOffered means auto-matching failed; the caller may
	// retry with a different bbox or place points manually.
	StateFallbackOffered State = "fallback_offered"
	// StateGCPsReady means a control point set exists and transforms
	// can be solved from it.
	StateGCPsReady State = "gcps_ready"
)

// Event is a caller action or engine outcome driving a transition.
type Event string

const (
	EventAutoMatchRequested Event = "auto_match_requested"
	EventMetadataMissing    Event = "metadata_missing"
	EventManualBBox         Event = "manual_bbox"
	EventMatchSucceeded     Event = "match_succeeded"
	EventMatchFailed        Event = "match_failed"
	EventManualPoints       Event = "manual_points"
)

var transitions = map[State]map[Event]State{
	StateStart: {
		EventAutoMatchRequested: StateAutoMatch,
		EventManualPoints:       StateGCPsReady,
	},
	StateAutoMatch: {
		EventMatchSucceeded:  StateGCPsReady,
		EventMetadataMissing: StateAwaitManualBBox,
		EventMatchFailed:     StateFallbackOffered,
	},
	StateAwaitManualBBox: {
		EventManualBBox:   StateAutoMatch,
		EventManualPoints: StateGCPsReady,
	},
	StateFallbackOffered: {
		EventManualBBox:   StateAutoMatch,
		EventManualPoints: StateGCPsReady,
	},
	StateGCPsReady: {
		// Point edits keep the set live; the transform is re-solved
		// from the current points on demand.
		EventManualPoints:       StateGCPsReady,
		EventAutoMatchRequested: StateAutoMatch,
	},
}

// Next applies an event to a state, rejecting illegal transitions.
func Next(s State, ev Event) (State, error) {
	if next, ok := transitions[s][ev]; ok {
		return next, nil
	}
	return s, fmt.Errorf("invalid transition: %s from state %s", ev, s)
}
