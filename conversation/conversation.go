// Package conversation defines the customer conversation model: conversations,
// their append-only message transcripts, and the resolutions promoted to rep
// review with their approval lifecycle.
package conversation

import (
	"fmt"
	"time"
)

// Channel identifies how the conversation reaches the customer.
type Channel string

// Channel values.
const (
	ChannelVoice Channel = "voice"
	ChannelChat  Channel = "chat"
	ChannelEmail Channel = "email"
)

// IsValid checks if a channel value is known.
func (c Channel) IsValid() bool {
	switch c {
	case ChannelVoice, ChannelChat, ChannelEmail:
		return true
	}
	return false
}

// Status is the conversation lifecycle status.
type Status string

// Status values.
const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusEscalated Status = "escalated"
)

// IsValid checks if a status value is known.
func (s Status) IsValid() bool {
	switch s {
	case StatusActive, StatusCompleted, StatusEscalated:
		return true
	}
	return false
}

// Role identifies who authored a message.
type Role string

// Role values.
const (
	RoleCustomer       Role = "customer"
	RoleRepresentative Role = "representative"
	RoleSystem         Role = "system"
)

// Message is one entry in a conversation transcript.
// Append-only: once persisted, never mutated.
type Message struct {
	// Role is who authored the message.
	Role Role `json:"role"`

	// Content is the message text.
	Content string `json:"content"`

	// Seq is the monotonic sequence number within the conversation.
	Seq int `json:"seq"`

	// Timestamp is when the message was recorded.
	Timestamp time.Time `json:"timestamp"`
}

// Conversation is a customer interaction session owned by a representative.
type Conversation struct {
	// ID is the opaque conversation identifier.
	ID string `json:"id"`

	// RepresentativeID identifies the rep handling the conversation.
	RepresentativeID string `json:"representative_id"`

	// CustomerID identifies the customer, when known.
	CustomerID string `json:"customer_id,omitempty"`

	// Channel is the interaction channel.
	Channel Channel `json:"channel"`

	// Status is the lifecycle status.
	Status Status `json:"status"`

	// CreatedAt is when the conversation started.
	CreatedAt time.Time `json:"created_at"`

	// Messages is the ordered transcript.
	Messages []Message `json:"messages"`
}

// LatestByRole returns the most recent message with the given role,
// or nil when none exists.
func (c *Conversation) LatestByRole(role Role) *Message {
	for i := len(c.Messages) - 1; i >= 0; i-- {
		if c.Messages[i].Role == role {
			return &c.Messages[i]
		}
	}
	return nil
}

// Citation is a (label, url) pair referenced in a resolution's text.
type Citation struct {
	Label string `json:"label"`
	URL   string `json:"url"`
}

// ApprovalAction is the representative's decision on a resolution.
type ApprovalAction string

// ApprovalAction values.
const (
	ApprovalApprove ApprovalAction = "approve"
	ApprovalReject  ApprovalAction = "reject"
	ApprovalEdit    ApprovalAction = "edit"
)

// IsValid checks if an approval action is known.
func (a ApprovalAction) IsValid() bool {
	switch a {
	case ApprovalApprove, ApprovalReject, ApprovalEdit:
		return true
	}
	return false
}

// ApprovalRecord is the representative's terminal action on a resolution.
// Not editable once recorded.
type ApprovalRecord struct {
	// Action is the decision taken.
	Action ApprovalAction `json:"action"`

	// Feedback is optional free-text from the rep.
	Feedback string `json:"feedback,omitempty"`

	// EditedText replaces the resolution text when Action is edit.
	EditedText string `json:"edited_text,omitempty"`

	// RepresentativeID identifies who acted.
	RepresentativeID string `json:"representative_id"`

	// Timestamp is when the action was recorded.
	Timestamp time.Time `json:"timestamp"`
}

// Resolution is the sealed output of a successful workflow attempt,
// promoted to rep review.
type Resolution struct {
	// ID is the resolution identifier.
	ID string `json:"id"`

	// ConversationID links back to the owning conversation.
	ConversationID string `json:"conversation_id"`

	// RunID is the workflow run that produced this resolution.
	RunID string `json:"run_id"`

	// AttemptIndex is the 1-based winning attempt.
	AttemptIndex int `json:"attempt_index"`

	// Text is the customer-facing answer with inline citations.
	Text string `json:"text"`

	// Citations lists the sources cited in Text, in order of appearance.
	Citations []Citation `json:"citations"`

	// Scores is the evaluation score map from the winning attempt.
	Scores map[string]int `json:"scores,omitempty"`

	// PendingReview is true until a rep acts on the resolution.
	PendingReview bool `json:"pending_review"`

	// Approval is the rep's action, once taken.
	Approval *ApprovalRecord `json:"approval,omitempty"`

	// CreatedAt is when the resolution was sealed.
	CreatedAt time.Time `json:"created_at"`
}

// ApplyApproval records a representative action on the resolution.
// Approval records are terminal; a second action is rejected.
func (r *Resolution) ApplyApproval(record ApprovalRecord) error {
	if !record.Action.IsValid() {
		return fmt.Errorf("invalid approval action: %q", record.Action)
	}
	if r.Approval != nil {
		return fmt.Errorf("resolution %s already has an approval record", r.ID)
	}
	if record.Action == ApprovalEdit && record.EditedText == "" {
		return fmt.Errorf("edit action requires edited text")
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now()
	}

	if record.Action == ApprovalEdit {
		r.Text = record.EditedText
	}

	r.Approval = &record
	r.PendingReview = false
	return nil
}
