package round

import "github.com/badibam/assistant-sub007/pkg/aistate"

// ValidationPolicy decides whether proposed CHAT actions need the user's
// approval.
type ValidationPolicy struct {
	// AutoApprove lists command types that may run unconfirmed when the model
	// sets validationRequest to false.
	AutoApprove []string `json:"auto_approve" mapstructure:"auto_approve"`
}

// RequiresValidation reports whether msg's actions must be confirmed.
func (p ValidationPolicy) RequiresValidation(msg aistate.AIMessage) bool {
	if msg.ValidationRequest == nil || *msg.ValidationRequest {
		return true
	}
	allowed := make(map[string]bool, len(p.AutoApprove))
	for _, t := range p.AutoApprove {
		allowed[t] = true
	}
	for _, cmd := range msg.ActionCommands {
		if !allowed[cmd.Type] {
			return true
		}
	}
	return len(msg.ActionCommands) == 0
}
