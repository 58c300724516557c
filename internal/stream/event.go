package stream

// Kind is the SSE event name carried on the wire.
type Kind string

const (
	KindToken  Kind = "token"
	KindPolicy Kind = "policy"
	KindError  Kind = "error"
	KindDone   Kind = "done"
)

// Status is the terminal outcome carried by a done event.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusBlocked   Status = "blocked"
	StatusFailed    Status = "failed"
)

// Event is one of Token, Policy, Error or Done. The set is closed.
type Event interface {
	Kind() Kind
	event()
}

type Token struct {
	Text string `json:"text"`
}

type Policy struct {
	Stage  string `json:"stage"`
	Reason string `json:"reason"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type Done struct {
	ThreadID string `json:"thread_id,omitempty"`
	Status   Status `json:"status"`
}

func (Token) Kind() Kind  { return KindToken }
func (Policy) Kind() Kind { return KindPolicy }
func (Error) Kind() Kind  { return KindError }
func (Done) Kind() Kind   { return KindDone }

func (Token) event()  {}
func (Policy) event() {}
func (Error) event()  {}
func (Done) event()   {}
