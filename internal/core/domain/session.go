package domain

import (
	"fmt"
	"time"
)

// SessionState is the lifecycle state of the single gateway session.
type SessionState string

const (
	StateDisconnected   SessionState = "disconnected"
	StateConnecting     SessionState = "connecting"
	StateAuthenticating SessionState = "authenticating"
	StateReady          SessionState = "ready"
	StateReconnecting   SessionState = "reconnecting"
)

// ClientIdentity identifies one gateway session. The gateway distinguishes
// successive sessions by numeric client ID; the nonce makes identities
// traceable across logs. Identities are never reused within a process.
type ClientIdentity struct {
	Num   int32  `json:"num"`
	Nonce string `json:"nonce"`
}

func (id ClientIdentity) String() string {
	return fmt.Sprintf("%d/%s", id.Num, id.Nonce)
}

// SessionSnapshot is an immutable read of the session owned by the manager.
type SessionSnapshot struct {
	Identity        ClientIdentity `json:"identity"`
	State           SessionState   `json:"state"`
	CreatedAt       time.Time      `json:"created_at"`
	LastHeartbeatAt time.Time      `json:"last_heartbeat_at"`
	Qualified       []ContractKey  `json:"qualified"`
}

// StateChange is emitted on every session state transition.
type StateChange struct {
	Identity ClientIdentity
	From     SessionState
	To       SessionState
	Reason   string
	At       time.Time
}
