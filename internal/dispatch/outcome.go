package dispatch

import "github.com/Novo967/Tripping-app-sub001/internal/provider"

// Skip reasons.
const (
	ReasonNoPayload             = "no_payload"
	ReasonInvalidMessage        = "invalid_message"
	ReasonUnknownKind           = "unknown_conversation_kind"
	ReasonConversationNotFound  = "conversation_not_found"
	ReasonMalformedConversation = "malformed_conversation"
	ReasonProfileNotFound       = "profile_not_found"
	ReasonNoPushTokens          = "no_push_tokens"
	ReasonInvalidPushToken      = "invalid_push_token"
	ReasonRecipientInChat       = "recipient_in_conversation"
	ReasonNoChange              = "no_change"
	ReasonSelfNotification      = "self_notification"
	ReasonUnknownStatus         = "unknown_status"
)

// Skip records one thing that was deliberately not notified.
type Skip struct {
	Reason    string `json:"reason"`
	Recipient string `json:"recipient,omitempty"`
	Address   string `json:"address,omitempty"`
}

// BatchError records a batch the push service never accepted.
type BatchError struct {
	Batch    int    `json:"batch"`
	Size     int    `json:"size"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error"`
	Err      error  `json:"-"`
}

// Rejection is a message the push service accepted in a batch but refused
// individually (ticket status "error").
type Rejection struct {
	Recipient string `json:"recipient"`
	Address   string `json:"address"`
	Code      string `json:"code"`
	Message   string `json:"message,omitempty"`
}

// Outcome describes what one trigger invocation did.
type Outcome struct {
	InvocationID string            `json:"invocation_id"`
	Recipients   []string          `json:"recipients"`
	Built        int               `json:"built"`
	Sent         int               `json:"sent"`
	Skipped      []Skip            `json:"skipped"`
	Failed       []BatchError      `json:"failed"`
	Rejected     []Rejection       `json:"rejected"`
	Tickets      []provider.Ticket `json:"tickets,omitempty"`
}

func (o *Outcome) skip(reason, recipient, address string) {
	o.Skipped = append(o.Skipped, Skip{Reason: reason, Recipient: recipient, Address: address})
}

// Result is the metrics label for the invocation.
func (o Outcome) Result() string {
	switch {
	case len(o.Failed) > 0 || len(o.Rejected) > 0:
		return "partial"
	case o.Built == 0:
		return "noop"
	default:
		return "ok"
	}
}

// SkippedFor returns the skip reasons recorded against one recipient.
func (o Outcome) SkippedFor(recipient string) []string {
	var out []string
	for _, s := range o.Skipped {
		if s.Recipient == recipient {
			out = append(out, s.Reason)
		}
	}
	return out
}
