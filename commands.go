package livechat

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// ============================================================================
// Outbound Commands
// ============================================================================

// Command is one outbound frame. The "type" key is the discriminator.
type Command map[string]any

// Type returns the command discriminator.
func (c Command) Type() string {
	t, _ := c["type"].(string)
	return t
}

// PaymentRequestItem is one line of a requestPayment command.
type PaymentRequestItem struct {
	ItemType string `json:"item_type"`
	ItemData string `json:"item_data"`
	Title    string `json:"title"`
	Quantity int    `json:"quantity"`
	Price    string `json:"price"`
}

// Attribute names accepted by UpdateAttribute.
const (
	AttributeName  = "name"
	AttributeEmail = "email"
	AttributePhone = "phone"
)

func (s *Session) send(ctx context.Context, cmd Command) error {
	if err := s.sendJSON(ctx, cmd); err != nil {
		return fmt.Errorf("send %s: %w", cmd.Type(), err)
	}
	return nil
}

// Send sends an arbitrary command. Commands are fire-and-forget: the outcome
// is observed only through later inbound events.
func (s *Session) Send(ctx context.Context, cmd Command) error {
	if cmd.Type() == "" {
		return fmt.Errorf("send: command has no type")
	}
	return s.send(ctx, cmd)
}

func (s *Session) operatorOnly(name string) error {
	if s.variant != VariantOperator {
		return fmt.Errorf("%s: %w", name, ErrWrongVariant)
	}
	return nil
}

func (s *Session) convCommand(ctx context.Context, typ string, cid int64) error {
	if err := s.operatorOnly(typ); err != nil {
		return err
	}
	return s.send(ctx, Command{"type": typ, "cid": cid})
}

// SendText sends an operator reply into conversation cid.
func (s *Session) SendText(ctx context.Context, cid int64, text string) error {
	if err := s.operatorOnly("msg"); err != nil {
		return err
	}
	return s.send(ctx, Command{"type": "msg", "text": text, "cid": cid})
}

// EndConversation ends the customer's session in cid.
func (s *Session) EndConversation(ctx context.Context, cid int64) error {
	return s.convCommand(ctx, "endConv", cid)
}

// TakeOver asks for the current operator to take over cid from the bot.
// The local conversation only changes when the server confirms it.
func (s *Session) TakeOver(ctx context.Context, cid int64) error {
	return s.convCommand(ctx, "takeOver", cid)
}

// HandBack hands cid back to the bot.
func (s *Session) HandBack(ctx context.Context, cid int64) error {
	return s.convCommand(ctx, "finishConv", cid)
}

// RequestSignIn asks the customer in cid to sign in.
func (s *Session) RequestSignIn(ctx context.Context, cid int64) error {
	return s.convCommand(ctx, "request_sign_in", cid)
}

// TypingOn shows the typing indicator to the customer in cid.
func (s *Session) TypingOn(ctx context.Context, cid int64) error {
	return s.convCommand(ctx, "typing_on", cid)
}

// TypingOff hides the typing indicator in cid.
func (s *Session) TypingOff(ctx context.Context, cid int64) error {
	return s.convCommand(ctx, "typing_off", cid)
}

// UpdateAttribute sets a customer attribute of cid.
func (s *Session) UpdateAttribute(ctx context.Context, cid int64, attribute, value string) error {
	if err := s.operatorOnly("attribute_update"); err != nil {
		return err
	}
	return s.send(ctx, Command{"type": "attribute_update", "cid": cid, "attribute": attribute, "value": value})
}

// RequestPayment asks the customer in cid to pay for items.
func (s *Session) RequestPayment(ctx context.Context, cid int64, items []PaymentRequestItem) error {
	if err := s.operatorOnly("requestPayment"); err != nil {
		return err
	}
	if len(items) == 0 {
		return fmt.Errorf("requestPayment: no items")
	}
	return s.send(ctx, Command{"type": "requestPayment", "cid": cid, "items": items})
}

// BookRepair books repair rid for the customer in cid at when.
func (s *Session) BookRepair(ctx context.Context, cid, rid int64, when string) error {
	if err := s.operatorOnly("bookRepair"); err != nil {
		return err
	}
	return s.send(ctx, Command{"type": "bookRepair", "cid": cid, "rid": rid, "time": when})
}

// GetConversations asks for a page of conversations starting at offset.
func (s *Session) GetConversations(ctx context.Context, offset int) error {
	if err := s.operatorOnly("getConversations"); err != nil {
		return err
	}
	return s.send(ctx, Command{"type": "getConversations", "offset": offset})
}

// SendMessage sends a customer message and records it in the outbox until
// the server echoes a message with the same mid. It returns the mid.
func (s *Session) SendMessage(ctx context.Context, text string) (string, error) {
	if s.variant != VariantCustomer {
		return "", fmt.Errorf("sendMessage: %w", ErrWrongVariant)
	}
	mid := uuid.NewString()

	s.mu.Lock()
	s.outbox = append(s.outbox, PendingSend{MID: mid, Text: text, At: s.now()})
	s.mu.Unlock()

	if err := s.send(ctx, Command{"type": "sendMessage", "content": text, "id": mid}); err != nil {
		s.dropOutbox(mid)
		return "", err
	}
	s.emit(Change{Type: ChangeOutbox, ID: mid})
	return mid, nil
}

func (s *Session) dropOutbox(mid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, p := range s.outbox {
		if p.MID == mid {
			s.outbox = append(s.outbox[:i], s.outbox[i+1:]...)
			return
		}
	}
}

// ReadMessage marks message id as read by the customer.
func (s *Session) ReadMessage(ctx context.Context, id int64) error {
	if s.variant != VariantCustomer {
		return fmt.Errorf("readMessage: %w", ErrWrongVariant)
	}
	return s.send(ctx, Command{"type": "readMessage", "id": id})
}

