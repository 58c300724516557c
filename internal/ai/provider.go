package ai

import (
	"context"
	"encoding/json"
	"errors"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Provider answers a conversation in one shot.
type Provider interface {
	Chat(ctx context.Context, messages []Message) (string, error)
}

// ToolChoice controls whether the model may or must call the bound capability.
type ToolChoice string

const (
	ToolChoiceNone   ToolChoice = "none"
	ToolChoiceAuto   ToolChoice = "auto"
	ToolChoiceForced ToolChoice = "forced"
)

// Capability describes an external function the model can call.
type Capability struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// Binding attaches at most one capability to a generation. A nil Capability
// means no tools are bound and Choice is ignored.
type Binding struct {
	Capability *Capability
	Choice     ToolChoice
}

func (b Binding) Bound() bool { return b.Capability != nil && b.Choice != ToolChoiceNone }

type GenerateRequest struct {
	Messages []Message
	Binding  Binding
}

// ToolExecutor runs a capability call requested by the model.
type ToolExecutor interface {
	Execute(ctx context.Context, name string, arguments json.RawMessage) (string, error)
}

var ErrBindingUnsupported = errors.New("ai: provider does not support tool binding")

// Model is what the turn pipeline needs from a backend.
type Model interface {
	Provider
	StreamProvider
}
