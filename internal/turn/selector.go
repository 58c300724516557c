package turn

import (
	"github.com/suPer8Hu/turn-orchestrator/internal/ai"
)

const toolTip = "You can search the web. Use the search results to ground your answer in current information, " +
	"and cite the sources you relied on as markdown links."

// Selector decides which capability is bound to a turn. The tool flag binds
// the configured capability with the configured forcing policy; without the
// flag no tools are bound.
type Selector struct {
	capability *ai.Capability
	policy     ai.ToolChoice
}

func NewSelector(capability *ai.Capability, policy ai.ToolChoice) Selector {
	if policy != ai.ToolChoiceAuto {
		policy = ai.ToolChoiceForced
	}
	return Selector{capability: capability, policy: policy}
}

func (s Selector) Select(toolFlag bool) ai.Binding {
	if !toolFlag || s.capability == nil {
		return ai.Binding{Choice: ai.ToolChoiceNone}
	}
	return ai.Binding{Capability: s.capability, Choice: s.policy}
}

// Apply returns the binding and the messages with the tool tip prepended when bound.
func (s Selector) Apply(toolFlag bool, messages []ai.Message) ([]ai.Message, ai.Binding) {
	b := s.Select(toolFlag)
	if !b.Bound() {
		return messages, b
	}
	out := make([]ai.Message, 0, len(messages)+1)
	out = append(out, ai.Message{Role: ai.RoleSystem, Content: toolTip})
	out = append(out, messages...)
	return out, b
}
