// Package dispatch is the orchestration core: one inbound event enters,
// exactly one handler runs, one outcome leaves.
package dispatch

// EventKind discriminates inbound units of work.
type EventKind string

const (
	KindMessage    EventKind = "message"
	KindLifecycle  EventKind = "lifecycle"
	KindMenuAction EventKind = "menuAction"
)

// Lifecycle subkinds the router treats specially.
const (
	SubkindSubscribe   = "subscribe"
	SubkindUnsubscribe = "unsubscribe"
)

// Event is one inbound unit of work, immutable after creation.
type Event struct {
	ActorID string
	Text    string
	Kind    EventKind
	Subkind string
}

// RunState tracks a dispatch run through its lifecycle.
type RunState string

const (
	StateReceived   RunState = "received"
	StateClassified RunState = "classified"
	StateRouted     RunState = "routed"
	StateExecuted   RunState = "executed"
	StateCompleted  RunState = "completed"
	StateFailed     RunState = "failed"
)

// State is the mutable record threaded through one run. It is created
// fresh per event and owned by the dispatcher; handlers receive it,
// mutate it, and hand it back. It is never persisted.
type State struct {
	Event        Event
	Intent       string
	Confidence   float64
	Entities     map[string]string
	HandlerChain []string
	Metadata     map[string]any

	run          RunState
	responseText string
	replyDue     bool
	noReply      bool
}

func newState(event Event) *State {
	return &State{
		Event:        event,
		Entities:     map[string]string{},
		HandlerChain: []string{coordinatorName},
		Metadata:     map[string]any{},
		run:          StateReceived,
	}
}

// SetResponse records the outbound reply text.
func (s *State) SetResponse(text string) {
	s.responseText = text
	s.replyDue = true
}

// Response returns the reply text and whether one is due.
func (s *State) Response() (string, bool) {
	if s.noReply {
		return "", false
	}
	return s.responseText, s.replyDue
}

// SuppressReply marks the run as owing no outbound reply, overriding
// anything a handler sets.
func (s *State) SuppressReply() {
	s.noReply = true
}

// Run reports the current lifecycle state.
func (s *State) Run() RunState {
	return s.run
}

// Outcome is the immutable result of one dispatch run. A nil
// ResponseText means no reply should be sent.
type Outcome struct {
	Success      bool
	ResponseText *string
	Intent       string
	Confidence   float64
	HandlerChain []string
	Metadata     map[string]any
	Error        string
}

func (s *State) outcome(success bool, errText string) Outcome {
	out := Outcome{
		Success:      success,
		Intent:       s.Intent,
		Confidence:   s.Confidence,
		HandlerChain: append([]string(nil), s.HandlerChain...),
		Metadata:     s.Metadata,
		Error:        errText,
	}
	if text, due := s.Response(); due {
		out.ResponseText = &text
	}
	return out
}
