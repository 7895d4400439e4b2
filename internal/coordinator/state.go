package coordinator

import "github.com/JakeFAU/linkcheck-crawler/internal/fsm"

// WorkflowState tracks whether the crawl is admitting work.
type WorkflowState int

// Workflow states.
const (
	WaitingForActivation WorkflowState = iota
	Activated
	SignaledForShutdown
)

// String implements fmt.Stringer.
func (s WorkflowState) String() string {
	switch s {
	case WaitingForActivation:
		return "WaitingForActivation"
	case Activated:
		return "Activated"
	case SignaledForShutdown:
		return "SignaledForShutdown"
	default:
		return "Unknown"
	}
}

type command int

const (
	cmdActivate command = iota
	cmdDeactivate
	cmdComplete
	cmdAbort
)

func newWorkflow(opts ...fsm.Option[WorkflowState, command]) *fsm.StateMachine[WorkflowState, command] {
	return fsm.New(WaitingForActivation, fsm.Table[WorkflowState, command]{
		{From: WaitingForActivation, Command: cmdActivate}: Activated,
		{From: Activated, Command: cmdDeactivate}:          WaitingForActivation,
		{From: Activated, Command: cmdComplete}:            SignaledForShutdown,
		{From: Activated, Command: cmdAbort}:               SignaledForShutdown,
	}, opts...)
}
