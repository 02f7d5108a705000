package crawler

// State is the crawl engine's position in its lifecycle. Failed is reachable
// from any state; Completed is terminal.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateAuthenticating
	StateResolvingChat
	StatePaginating
	StateProcessing
	StateCheckpointing
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateResolvingChat:
		return "resolving-chat"
	case StatePaginating:
		return "paginating"
	case StateProcessing:
		return "processing"
	case StateCheckpointing:
		return "checkpointing"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}
