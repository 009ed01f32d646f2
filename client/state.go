package client

// State is a state of the sync engine.
type State int

const (
	StateDisconnected State = iota
	StateConnectingWaiting
	StateConnectingRetrying
	StateConnectedIdle
	StateConnectedProcessingQueues
	StateConnectedCheckingForMoreQueueItems
	StateFailed
	StateNoAccess
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnectingWaiting:
		return "connecting.waiting"
	case StateConnectingRetrying:
		return "connecting.retrying"
	case StateConnectedIdle:
		return "connected.idle"
	case StateConnectedProcessingQueues:
		return "connected.processingQueues"
	case StateConnectedCheckingForMoreQueueItems:
		return "connected.checkingForMoreQueueItems"
	case StateFailed:
		return "failed"
	case StateNoAccess:
		return "noAccess"
	default:
		return "unknown"
	}
}

// Connecting reports whether s is one of the connecting states.
func (s State) Connecting() bool {
	return s == StateConnectingWaiting || s == StateConnectingRetrying
}

// Connected reports whether s is one of the connected states.
func (s State) Connected() bool {
	return s == StateConnectedIdle || s == StateConnectedProcessingQueues || s == StateConnectedCheckingForMoreQueueItems
}

// Terminal reports whether the engine stopped syncing because of the
// document or the access rights.
func (s State) Terminal() bool {
	return s == StateFailed || s == StateNoAccess
}

// DecryptionState describes how much of the loaded document was verified
// and applied.
type DecryptionState int

const (
	DecryptionPending DecryptionState = iota
	DecryptionFailed
	DecryptionPartial
	DecryptionComplete
)

func (s DecryptionState) String() string {
	switch s {
	case DecryptionPending:
		return "pending"
	case DecryptionFailed:
		return "failed"
	case DecryptionPartial:
		return "partial"
	case DecryptionComplete:
		return "complete"
	default:
		return "unknown"
	}
}

type eventKind int

const (
	eventConnect eventKind = iota
	eventDisconnect
	eventRetry
	eventConnected
	eventConnectionLost
	eventMessage
	eventCustomMessage
	eventAddChanges
	eventSendEphemeralMessage
	eventProcessed
	eventProcessAborted
	eventProcessFailed
	eventQueuesPending
	eventQueuesEmpty
	eventDocumentNotFound
	eventUnauthorized
	eventDocumentError
	eventDocumentTimeout
)

func (k eventKind) String() string {
	switch k {
	case eventConnect:
		return "connect"
	case eventDisconnect:
		return "disconnect"
	case eventRetry:
		return "retry"
	case eventConnected:
		return "connected"
	case eventConnectionLost:
		return "connection-lost"
	case eventMessage:
		return "message"
	case eventCustomMessage:
		return "custom-message"
	case eventAddChanges:
		return "add-changes"
	case eventSendEphemeralMessage:
		return "send-ephemeral-message"
	case eventProcessed:
		return "processed"
	case eventProcessAborted:
		return "process-aborted"
	case eventProcessFailed:
		return "process-failed"
	case eventQueuesPending:
		return "queues-pending"
	case eventQueuesEmpty:
		return "queues-empty"
	case eventDocumentNotFound:
		return "document-not-found"
	case eventUnauthorized:
		return "unauthorized"
	case eventDocumentError:
		return "document-error"
	case eventDocumentTimeout:
		return "document-timeout"
	default:
		return "unknown"
	}
}

// connectedTransitions apply in every connected state.
var connectedTransitions = map[eventKind]State{
	eventConnectionLost:   StateDisconnected,
	eventDisconnect:       StateDisconnected,
	eventDocumentNotFound: StateNoAccess,
	eventUnauthorized:     StateNoAccess,
	eventDocumentError:    StateFailed,
	eventDocumentTimeout:  StateDisconnected,
}

// transitions lists every state change of the engine. Events without an
// entry for the current state do not change it.
var transitions = map[State]map[eventKind]State{
	StateDisconnected: {
		eventConnect: StateConnectingWaiting,
	},
	StateConnectingWaiting: {
		eventRetry:      StateConnectingRetrying,
		eventDisconnect: StateDisconnected,
	},
	StateConnectingRetrying: {
		eventConnected:      StateConnectedIdle,
		eventConnectionLost: StateDisconnected,
		eventDisconnect:     StateDisconnected,
	},
	StateConnectedIdle: withConnected(map[eventKind]State{
		eventMessage:       StateConnectedProcessingQueues,
		eventCustomMessage: StateConnectedProcessingQueues,
		eventAddChanges:    StateConnectedProcessingQueues,
	}),
	StateConnectedProcessingQueues: withConnected(map[eventKind]State{
		eventProcessed:      StateConnectedCheckingForMoreQueueItems,
		eventProcessAborted: StateDisconnected,
		eventProcessFailed:  StateFailed,
	}),
	StateConnectedCheckingForMoreQueueItems: withConnected(map[eventKind]State{
		eventQueuesPending: StateConnectedProcessingQueues,
		eventQueuesEmpty:   StateConnectedIdle,
	}),
	StateFailed: {
		eventDisconnect: StateDisconnected,
	},
	StateNoAccess: {
		eventDisconnect: StateDisconnected,
	},
}

func withConnected(m map[eventKind]State) map[eventKind]State {
	for k, v := range connectedTransitions {
		m[k] = v
	}
	return m
}

// next returns the state reached from s by an event of kind k.
func next(s State, k eventKind) (State, bool) {
	target, ok := transitions[s][k]
	return target, ok
}
