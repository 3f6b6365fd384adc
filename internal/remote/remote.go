// Package remote defines the operations fieldsync consumes from the
// work-order backend, plus the HTTP implementation used in production.
//
// All mutating calls are idempotent by a stable client-side id: the
// backend upserts, so a retried submission never creates duplicates.
package remote

import (
	"context"
	"time"
)

// OrderType is a reference catalog entry for a work-order category.
type OrderType struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

// Step is one execution step within an order type.
type Step struct {
	ID          int64  `json:"id"`
	OrderTypeID int64  `json:"order_type_id"`
	Name        string `json:"name"`
	Seq         int    `json:"seq"`
	Active      bool   `json:"active"`
}

// Field is one data-entry field within a step.
type Field struct {
	ID       int64  `json:"id"`
	StepID   int64  `json:"step_id"`
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	Required bool   `json:"required"`
}

// PhotoSubmission is the body of a photo start/final upload.
type PhotoSubmission struct {
	ActionID string `json:"action_id"`
	OrderID  int64  `json:"order_id"`
	ActorID  string `json:"actor_id"`
	Caption  string `json:"caption,omitempty"`
	Content  string `json:"content"` // base64-encoded image
}

// AuditSubmission is the body of a final audit record.
type AuditSubmission struct {
	ActionID    string    `json:"action_id"`
	OrderID     int64     `json:"order_id"`
	ActorID     string    `json:"actor_id"`
	Rating      int       `json:"rating"`
	Summary     string    `json:"summary,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

// CommentSubmission is the body of a work-order comment.
type CommentSubmission struct {
	ActionID string `json:"action_id"`
	OrderID  int64  `json:"order_id"`
	ActorID  string `json:"actor_id"`
	Text     string `json:"text"`
}

// Backend is the set of remote operations the core invokes. Implementations
// must honor the context deadline; the synchronizer applies a fixed
// per-call timeout.
type Backend interface {
	// SubmitPhotoStart upserts a "before work" photo by its action id.
	SubmitPhotoStart(ctx context.Context, sub PhotoSubmission) error

	// SubmitPhotoFinal upserts a "work complete" photo by its action id.
	SubmitPhotoFinal(ctx context.Context, sub PhotoSubmission) error

	// SubmitFinalAudit upserts the closing audit record by its action id.
	SubmitFinalAudit(ctx context.Context, sub AuditSubmission) error

	// SubmitComment upserts a work-order comment by its action id.
	SubmitComment(ctx context.Context, sub CommentSubmission) error

	// FetchOrderTypes returns the active order-type catalog.
	FetchOrderTypes(ctx context.Context) ([]OrderType, error)

	// FetchSteps returns active steps for the given order types, paginated
	// by limit/offset to avoid single oversized responses.
	FetchSteps(ctx context.Context, orderTypeIDs []int64, limit, offset int) ([]Step, error)

	// FetchFields returns active fields for the given steps, paginated.
	FetchFields(ctx context.Context, stepIDs []int64, limit, offset int) ([]Field, error)
}
