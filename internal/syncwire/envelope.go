package syncwire

import (
	"github.com/roach88/fmsync/internal/ir"
)

// MessageType tags an envelope. The set is closed.
type MessageType string

const (
	// TypeOperation carries one operation.
	TypeOperation MessageType = "operation"
	// TypeSyncRequest asks peers for every operation not covered by Context.
	TypeSyncRequest MessageType = "sync_request"
	// TypeAck announces the sender's causal context.
	TypeAck MessageType = "ack"
)

// Valid reports whether t is a recognized message type.
func (t MessageType) Valid() bool {
	switch t {
	case TypeOperation, TypeSyncRequest, TypeAck:
		return true
	}
	return false
}

// Envelope is a decoded, validated message. Exactly one of Operation or
// Exchange is set, according to Type.
type Envelope struct {
	Type      MessageType
	Operation *ir.Operation
	Exchange  *Exchange
}

// Exchange is the body of a sync_request or ack.
type Exchange struct {
	ArtifactID ir.ArtifactID
	SiteID     ir.SiteID
	Context    ir.Context
}

// ArtifactID returns the artifact the message is about.
func (e Envelope) ArtifactID() ir.ArtifactID {
	if e.Operation != nil {
		return e.Operation.ArtifactID
	}
	if e.Exchange != nil {
		return e.Exchange.ArtifactID
	}
	return ""
}

// SiteID returns the sending site.
func (e Envelope) SiteID() ir.SiteID {
	if e.Operation != nil {
		return e.Operation.SiteID
	}
	if e.Exchange != nil {
		return e.Exchange.SiteID
	}
	return ""
}
