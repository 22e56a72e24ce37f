package azureagent

import "fmt"

// UpstreamError is a non-2xx response or a transport failure from the agent
// service. StatusCode is zero for transport failures.
type UpstreamError struct {
	StatusCode int
	Body       string
	cause      error
}

func (e *UpstreamError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("API request failed: %v", e.cause)
	}
	return fmt.Sprintf("API Error: %d - %s", e.StatusCode, e.Body)
}

func (e *UpstreamError) Unwrap() error {
	return e.cause
}

// TimeoutError means the poll bound was exhausted with the run still
// non-terminal.
type TimeoutError struct{}

func (e *TimeoutError) Error() string {
	return "Timeout: o agente demorou muito para responder"
}

// AgentError means the run reached a failure-terminal status.
type AgentError struct {
	Status RunStatus
	Reason string
}

func newAgentError(status RunStatus, reason string) *AgentError {
	if reason == "" {
		reason = "Erro desconhecido"
	}
	return &AgentError{Status: status, Reason: reason}
}

func (e *AgentError) Error() string {
	return "Agente falhou: " + e.Reason
}
