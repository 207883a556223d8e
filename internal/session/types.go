package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/goodtune/numcheck/internal/storage"
)

var (
	// ErrConnectionUnavailable is returned by lookups while the session is
	// not connected.
	ErrConnectionUnavailable = errors.New("session: connection unavailable")

	// ErrRemoteLookupFailed wraps errors reported by the remote for a lookup.
	ErrRemoteLookupFailed = errors.New("session: remote lookup failed")

	// ErrSessionInvalidated is reported when the remote rejected the stored
	// credentials and a new pairing is required.
	ErrSessionInvalidated = errors.New("session: credentials rejected by remote")

	errStopped = errors.New("session: manager stopped")
)

// State is the connection state of the shared session.
type State string

const (
	StateLoading      State = "loading"
	StateDisconnected State = "disconnected"
	StateConnected    State = "connected"
)

var allStates = []string{string(StateLoading), string(StateDisconnected), string(StateConnected)}

// CloseReason is the status code attached to a session close.
type CloseReason int

const (
	ReasonConnectionLost     CloseReason = 0
	ReasonLoggedOut          CloseReason = 401
	ReasonForbidden          CloseReason = 403
	ReasonConnectionReplaced CloseReason = 440
	ReasonRestartRequired    CloseReason = 515
)

// AuthRejected reports whether the remote refused the credentials. Such a
// close is terminal until a new pairing is started.
func (r CloseReason) AuthRejected() bool {
	return r == ReasonLoggedOut || r == ReasonForbidden
}

func (r CloseReason) String() string {
	switch r {
	case ReasonConnectionLost:
		return "connection_lost"
	case ReasonLoggedOut:
		return "logged_out"
	case ReasonForbidden:
		return "forbidden"
	case ReasonConnectionReplaced:
		return "connection_replaced"
	case ReasonRestartRequired:
		return "restart_required"
	default:
		return fmt.Sprintf("code_%d", int(r))
	}
}

// EventKind identifies a session event.
type EventKind int

const (
	EventChallenge EventKind = iota
	EventOpen
	EventClose
	EventCredentials
)

// Event is a status or credential update emitted by a live connection.
type Event struct {
	Kind EventKind

	// Challenge is the pairing payload of an EventChallenge.
	Challenge string

	// Reason is set on EventClose.
	Reason CloseReason

	// Credentials is the rotated blob of an EventCredentials. Ack, when set,
	// is called once the blob has been persisted (or failed to).
	Credentials []byte
	Ack         func(error)
}

// Conn is one live connection to the messaging network. The Events channel
// is closed when the connection ends.
type Conn interface {
	Events() <-chan Event
	Lookup(ctx context.Context, number string) (bool, error)
	Close() error
}

// Dialer opens connections. Credentials are nil when no session has been
// paired yet. The context bounds the handshake only.
type Dialer interface {
	Dial(ctx context.Context, creds *storage.Credentials) (Conn, error)
}

// Alerter raises operator alerts.
type Alerter interface {
	Alert(ctx context.Context, subject, message string) error
}

// Status is a point-in-time view of the manager.
type Status struct {
	State           State  `json:"connectionStatus"`
	Challenge       string `json:"-"`
	Invalidated     bool   `json:"invalidated"`
	ReconnectGaveUp bool   `json:"reconnectGaveUp"`
}
