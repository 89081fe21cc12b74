// Package email holds the two sides of mail delivery:
//
//   - Dispatcher: the client of the mail-dispatch endpoint. The dispatch
//     coordinator calls it once per participant; the endpoint renders the
//     template and relays the message.
//   - Provider: the outbound relay used by the mail-dispatch handler itself
//     to hand a fully rendered message to the delivery service.
//
// Tests inject stubs for both interfaces; nothing outside this package
// touches the network for mail.
package email

import "context"

// ─── DISPATCHER ──────────────────────────────────────────────────────────────

// SendParams is the wire body of the mail-dispatch endpoint. Field names are
// fixed — stored integrations depend on them.
type SendParams struct {
	Email         string `json:"email"`
	TemplateID    string `json:"templateId"`
	ParticipantID string `json:"participantId"`
	AssessmentID  string `json:"assessmentId"`
}

// SendResult is the success body. Token is the bearer secret the endpoint
// minted for the deep link; the coordinator persists it on the link record.
type SendResult struct {
	Success bool   `json:"success"`
	Token   string `json:"token"`
}

// Dispatcher is the narrow interface the dispatch coordinator uses to request
// one email send. Any non-nil error counts as a per-participant delivery
// failure; the batch continues.
type Dispatcher interface {
	Send(ctx context.Context, p SendParams) (SendResult, error)
}

// ─── PROVIDER ────────────────────────────────────────────────────────────────

// DeliverParams is one fully rendered message.
type DeliverParams struct {
	To      string
	Subject string
	HTML    string
}

// Provider relays a rendered message to the delivery service.
type Provider interface {
	Deliver(ctx context.Context, p DeliverParams) error
}
