package brain

import (
	"encoding/json"
	"time"
)

// State is the engine's position in its serving lifecycle.
type State int32

const (
	// StateCold means no model has ever been available: nothing was
	// restored and nothing has been trained yet.
	StateCold State = iota

	// StateReady means a model is serving.
	StateReady

	// StateRetraining means a training run is in flight. Whatever
	// model was serving before keeps serving until the swap.
	StateRetraining
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateRetraining:
		return "retraining"
	default:
		return "cold"
	}
}

// MarshalJSON implements json.Marshaler.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *State) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	switch name {
	case "ready":
		*s = StateReady
	case "retraining":
		*s = StateRetraining
	default:
		*s = StateCold
	}
	return nil
}

// Event announces a state transition.
type Event struct {
	State State `json:"state"`

	// Fingerprint is the catalog fingerprint now serving (ready) or
	// being trained (retraining).
	Fingerprint string `json:"fingerprint,omitempty"`

	// ModelVersion identifies the model artifact, when one is serving.
	ModelVersion string `json:"model_version,omitempty"`

	At time.Time `json:"at"`
}

// Watch registers a subscriber for state events. buffer is the channel
// capacity; a subscriber that falls behind misses events rather than
// blocking the engine. The returned cancel unregisters the subscriber
// and closes the channel.
func (e *Engine) Watch(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)
	e.subMu.Lock()
	e.subs = append(e.subs, ch)
	e.subMu.Unlock()

	cancel := func() {
		e.subMu.Lock()
		for i, sub := range e.subs {
			if sub == ch {
				e.subs = append(e.subs[:i], e.subs[i+1:]...)
				close(ch)
				break
			}
		}
		e.subMu.Unlock()
	}
	return ch, cancel
}

// setState records the new state and broadcasts the transition.
func (e *Engine) setState(s State, fingerprint, version string) {
	e.state.Store(int32(s))
	e.broadcast(Event{
		State:        s,
		Fingerprint:  fingerprint,
		ModelVersion: version,
		At:           time.Now().UTC(),
	})
}

func (e *Engine) broadcast(ev Event) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	for _, ch := range e.subs {
		select {
		case ch <- ev:
		default:
			// Skip slow subscribers.
		}
	}
}

// State reports the engine's current lifecycle state.
func (e *Engine) State() State {
	return State(e.state.Load())
}
