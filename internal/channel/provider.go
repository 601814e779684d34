package channel

import (
	"context"
	"strings"
)

// ProviderChannel sends through an HTTP-style provider addressed by phone
// number. It backs both the message and call channels.
type ProviderChannel struct {
	client   Provider
	ackDigit string
}

// NewMessage builds the messaging channel.
func NewMessage(client Provider) *ProviderChannel {
	return &ProviderChannel{client: client}
}

// NewCall builds the telephony channel. The provider plays the reminder and
// reports the keypress; ackDigit is the digit that acknowledges.
func NewCall(client Provider, ackDigit string) *ProviderChannel {
	if strings.TrimSpace(ackDigit) == "" {
		ackDigit = "1"
	}
	return &ProviderChannel{client: client, ackDigit: ackDigit}
}

func (c *ProviderChannel) Send(ctx context.Context, req Request) Outcome {
	phone := strings.TrimSpace(req.Recipient.Phone)
	if phone == "" {
		return failed(ErrMissingRecipient)
	}
	text := ReminderText(req)
	if c.ackDigit != "" {
		text += ". Press " + c.ackDigit + " to confirm."
	}
	rc, err := c.client.Send(ctx, phone, Payload{
		Text:       text,
		DispatchID: req.DispatchID,
		TaskID:     req.TaskID,
		AckDigit:   c.ackDigit,
	})
	if err != nil {
		return failed(err)
	}
	ref := rc.Ref
	if ref == "" {
		ref = req.DispatchID
	}
	return accepted(ref)
}
