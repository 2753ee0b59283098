package domain

import "time"

// ReattestationRequest is produced by classifying one security rejection and
// consumed once by the coordinator.
type ReattestationRequest struct {
	Message             string
	Operation           Operation
	ForceKeyRotation    bool
	ForceFreshChallenge bool
}

// ReattestationPrompt is an informational "verifying device" notice. The
// engine never renders it.
type ReattestationPrompt struct {
	Kind     OperationKind
	Message  string
	IssuedAt time.Time
}

type State string

const (
	StateExecuting       State = "executing"
	StateSucceeded       State = "succeeded"
	StateRejected        State = "rejected"
	StateSilentRetry     State = "silent_retry"
	StateReattesting     State = "reattesting"
	StateVetoed          State = "vetoed"
	StateFailed          State = "failed"
	StatePromptDismissed State = "prompt_dismissed"
)

// Transition is emitted on every state change of a protected operation.
type Transition struct {
	State   State
	Kind    OperationKind
	Attempt int
	Reason  string
	Prompt  *ReattestationPrompt
	Err     error
}
