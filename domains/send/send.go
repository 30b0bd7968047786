package send

import "context"

// TextRequest is the inbound DTO for queueing one outbound text message.
type TextRequest struct {
	Destination string `json:"destination"`
	Message     string `json:"message"`
	ContentType string `json:"content_type"`
	Priority    string `json:"priority"`
	Immediate   bool   `json:"immediate"`
}

// TextResponse reports the accepted message.
type TextResponse struct {
	MessageID   string `json:"message_id"`
	Destination string `json:"destination"`
	Queued      bool   `json:"queued"`
	Duplicate   bool   `json:"duplicate"`
}

type ISendUsecase interface {
	SendText(ctx context.Context, request TextRequest) (TextResponse, error)
}
