// Package queue provides the durable append-only log of pending mutations.
//
// Every user-facing mutation made while offline lands here first. Rows are
// only ever mutated by the synchronizer (attempt counter, synced flag) and
// destroyed by the cleanup pass after a fully-synced entity group.
package queue

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies the type of a queued mutation.
type Kind string

const (
	// KindPhotoStart is a "before work" photo submission.
	KindPhotoStart Kind = "photo_start"
	// KindPhotoFinal is a "work complete" photo submission.
	KindPhotoFinal Kind = "photo_final"
	// KindFinalAudit is the closing audit record for a work order.
	KindFinalAudit Kind = "final_audit"
	// KindComment is a technician comment attached to a work order.
	KindComment Kind = "comment"
)

// Payload is the kind-specific body of a queued action. Exactly one
// payload shape exists per Kind, so the synchronizer can handle the union
// exhaustively.
type Payload interface {
	Kind() Kind
}

// PhotoStartPayload carries a "before work" photo reference.
type PhotoStartPayload struct {
	BlobID  string `json:"blob_id"`
	Caption string `json:"caption,omitempty"`
}

func (PhotoStartPayload) Kind() Kind { return KindPhotoStart }

// PhotoFinalPayload carries a "work complete" photo reference.
type PhotoFinalPayload struct {
	BlobID  string `json:"blob_id"`
	Caption string `json:"caption,omitempty"`
}

func (PhotoFinalPayload) Kind() Kind { return KindPhotoFinal }

// FinalAuditPayload carries the closing audit for a work order.
type FinalAuditPayload struct {
	Rating      int       `json:"rating"`
	Summary     string    `json:"summary,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

func (FinalAuditPayload) Kind() Kind { return KindFinalAudit }

// CommentPayload carries a technician comment.
type CommentPayload struct {
	Text string `json:"text"`
}

func (CommentPayload) Kind() Kind { return KindComment }

// Action is one pending mutation.
//
// Attempts increases monotonically until Synced is true or the attempt
// ceiling is reached; once Synced is true the action is eligible for
// deletion and must never be resynchronized.
type Action struct {
	ID        string
	OwnerID   int64
	ActorID   string
	Payload   Payload
	Synced    bool
	Attempts  int
	CreatedAt time.Time
}

// decodePayload rebuilds the typed payload from its kind tag and JSON body.
func decodePayload(kind Kind, data []byte) (Payload, error) {
	switch kind {
	case KindPhotoStart:
		var p PhotoStartPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("invalid %s payload: %w", kind, err)
		}
		return p, nil
	case KindPhotoFinal:
		var p PhotoFinalPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("invalid %s payload: %w", kind, err)
		}
		return p, nil
	case KindFinalAudit:
		var p FinalAuditPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("invalid %s payload: %w", kind, err)
		}
		return p, nil
	case KindComment:
		var p CommentPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("invalid %s payload: %w", kind, err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown action kind %q", kind)
	}
}
