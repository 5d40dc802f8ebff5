package types

import (
	"maunium.net/go/mautrix/id"
)

// OutcomeKind tags a DecryptionOutcome.
type OutcomeKind int

const (
	OutcomePlaintext OutcomeKind = iota
	OutcomePending
	OutcomeFailed
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomePlaintext:
		return "plaintext"
	case OutcomePending:
		return "pending"
	case OutcomeFailed:
		return "failed"
	}
	return "unknown"
}

// Outcome is the result of running one encrypted event through decryption.
//
// Body and MsgType are set only for OutcomePlaintext. Reason, Retryable and
// Err describe a Pending or Failed outcome.
type Outcome struct {
	Kind         OutcomeKind
	RoomID       id.RoomID
	EventID      id.EventID
	Sender       id.UserID
	SenderDevice id.DeviceID
	SessionID    id.SessionID
	MessageIndex uint32
	Timestamp    int64

	Type    string
	MsgType string
	Body    string
	// Trusted is false when the sending device is unknown or unverified.
	Trusted bool

	Reason    string
	Retryable bool
	Err       error
}
