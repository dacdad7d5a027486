package aistate

// Command is a single data query or action requested by the model.
type Command struct {
	Type   string         `json:"type"`
	Params map[string]any `json:"params,omitempty"`
}

// CommunicationModule asks the user for structured free-form input.
type CommunicationModule struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

// AIMessage is the structured form of one model response.
type AIMessage struct {
	PreText             string               `json:"preText"`
	ValidationRequest   *bool                `json:"validationRequest,omitempty"`
	DataCommands        []Command            `json:"dataCommands,omitempty"`
	ActionCommands      []Command            `json:"actionCommands,omitempty"`
	PostText            string               `json:"postText,omitempty"`
	KeepControl         *bool                `json:"keepControl,omitempty"`
	Completed           bool                 `json:"completed,omitempty"`
	CommunicationModule *CommunicationModule `json:"communicationModule,omitempty"`
}

// HasDataCommands reports whether the message carries data queries.
func (m AIMessage) HasDataCommands() bool { return len(m.DataCommands) > 0 }

// HasActionCommands reports whether the message carries actions.
func (m AIMessage) HasActionCommands() bool { return len(m.ActionCommands) > 0 }

// HasCommunicationModule reports whether the message asks the user for input.
func (m AIMessage) HasCommunicationModule() bool { return m.CommunicationModule != nil }

// WantsControl returns the keepControl flag, false when absent.
func (m AIMessage) WantsControl() bool {
	return m.KeepControl != nil && *m.KeepControl
}

// SystemMessageType classifies engine-authored history entries.
type SystemMessageType string

const (
	SystemDataAdded              SystemMessageType = "DATA_ADDED"
	SystemActionsExecuted        SystemMessageType = "ACTIONS_EXECUTED"
	SystemLimitReached           SystemMessageType = "LIMIT_REACHED"
	SystemFormatError            SystemMessageType = "FORMAT_ERROR"
	SystemNetworkError           SystemMessageType = "NETWORK_ERROR"
	SystemProviderError          SystemMessageType = "PROVIDER_ERROR"
	SystemSystemError            SystemMessageType = "SYSTEM_ERROR"
	SystemSessionTimeout         SystemMessageType = "SESSION_TIMEOUT"
	SystemInterrupted            SystemMessageType = "INTERRUPTED"
	SystemCommunicationCancelled SystemMessageType = "COMMUNICATION_CANCELLED"
	SystemValidationCancelled    SystemMessageType = "VALIDATION_CANCELLED"
)

// SystemMessage is a visible history entry written by the engine.
type SystemMessage struct {
	Type          SystemMessageType `json:"type"`
	Summary       string            `json:"summary"`
	FormattedData string            `json:"formattedData,omitempty"`
}
