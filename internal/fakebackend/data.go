package fakebackend

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/wewillfixyourpc/livechat-go"
)

// dataset is the in-memory backend state. All access holds Server.mu.
type dataset struct {
	nextMsg  int64
	nextConv int64
	nextItem int64

	conversations map[int64]*livechat.Conversation
	messages      map[int64]*livechat.Message
	entities      map[int64]*livechat.MessageEntities
	payments      map[string]*livechat.Payment
	paymentItems  map[int64]*livechat.PaymentItem
	bookings      map[string]*livechat.Booking
	repairs       map[int64]livechat.RepairDetails
}

func newDataset() *dataset {
	return &dataset{
		conversations: make(map[int64]*livechat.Conversation),
		messages:      make(map[int64]*livechat.Message),
		entities:      make(map[int64]*livechat.MessageEntities),
		payments:      make(map[string]*livechat.Payment),
		paymentItems:  make(map[int64]*livechat.PaymentItem),
		bookings:      make(map[string]*livechat.Booking),
		repairs:       make(map[int64]livechat.RepairDetails),
	}
}

func (d *dataset) addConversation(c livechat.Conversation) *livechat.Conversation {
	if c.ID == 0 {
		d.nextConv++
		c.ID = d.nextConv
	} else if c.ID > d.nextConv {
		d.nextConv = c.ID
	}
	if c.Platform == "" {
		c.Platform = livechat.PlatformChat
	}
	if c.CustomerName == "" {
		c.CustomerName = "Unknown"
	}
	d.conversations[c.ID] = &c
	return &c
}

func (d *dataset) addMessage(m livechat.Message) *livechat.Message {
	if m.ID == 0 {
		d.nextMsg++
		m.ID = d.nextMsg
	} else if m.ID > d.nextMsg {
		d.nextMsg = m.ID
	}
	if m.Timestamp == 0 {
		m.Timestamp = time.Now().Unix()
	}
	if m.MID == "" {
		m.MID = uuid.NewString()
	}
	if m.State == "" {
		m.State = livechat.MessageDelivered
	}
	d.messages[m.ID] = &m
	if c := d.conversations[m.ConversationID]; c != nil {
		c.Messages = append(c.Messages, m.ID)
	}
	return &m
}

func (d *dataset) addPayment(p livechat.Payment, items []livechat.PaymentItem) *livechat.Payment {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Timestamp == 0 {
		p.Timestamp = float64(time.Now().Unix())
	}
	if p.State == "" {
		p.State = livechat.PaymentOpen
	}
	p.Items = nil
	for _, item := range items {
		if item.ID == 0 {
			d.nextItem++
			item.ID = d.nextItem
		} else if item.ID > d.nextItem {
			d.nextItem = item.ID
		}
		item.PaymentID = p.ID
		it := item
		d.paymentItems[it.ID] = &it
		p.Items = append(p.Items, it.ID)
	}
	d.payments[p.ID] = &p
	if c := d.conversations[p.ConversationID]; c != nil {
		c.Payments = append(c.Payments, p.ID)
	}
	return &p
}

func (d *dataset) addBooking(b livechat.Booking) *livechat.Booking {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	d.bookings[b.ID] = &b
	if c := d.conversations[b.ConversationID]; c != nil {
		c.RepairBookings = append(c.RepairBookings, b.ID)
	}
	return &b
}

// conversationsSince returns the conversations with a message newer than
// since, or every conversation when since is invalid.
func (d *dataset) conversationsSince(since livechat.Watermark) []*livechat.Conversation {
	seen := make(map[int64]bool)
	var out []*livechat.Conversation
	for _, c := range d.sortedConversations() {
		if !since.Valid {
			out = append(out, c)
			continue
		}
		for _, mid := range c.Messages {
			if m := d.messages[mid]; m != nil && m.Timestamp >= since.Timestamp && !seen[c.ID] {
				seen[c.ID] = true
				out = append(out, c)
			}
		}
	}
	return out
}

// sortedConversations returns conversations newest first.
func (d *dataset) sortedConversations() []*livechat.Conversation {
	out := make([]*livechat.Conversation, 0, len(d.conversations))
	for _, c := range d.conversations {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out
}

// ============================================================================
// Wire events
// ============================================================================

func encode(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

func messageEvent(m *livechat.Message) []byte {
	return encode(struct {
		Type string `json:"type"`
		*livechat.Message
	}{"message", m})
}

func conversationEvent(c *livechat.Conversation) []byte {
	return encode(struct {
		Type string `json:"type"`
		*livechat.Conversation
	}{"conversation", c})
}

// customerConversationEvent is the reduced conversation the widget sees.
func customerConversationEvent(c *livechat.Conversation) []byte {
	return encode(struct {
		Type         string  `json:"type"`
		CurrentAgent *string `json:"current_agent"`
		Messages     []int64 `json:"messages"`
	}{"conversation", c.CurrentAgent, c.Messages})
}

func entitiesEvent(e *livechat.MessageEntities) []byte {
	return encode(struct {
		Type string `json:"type"`
		*livechat.MessageEntities
	}{"message_entities", e})
}

// paymentEvent embeds the payment's items when inline is set, otherwise
// it lists their ids.
func paymentEvent(p *livechat.Payment, items []livechat.PaymentItem, inline bool) []byte {
	var list any = p.Items
	if inline {
		list = items
	}
	return encode(struct {
		Type string `json:"type"`
		*livechat.Payment
		Items any `json:"items"`
	}{"payment", p, list})
}

func paymentItemEvent(item *livechat.PaymentItem) []byte {
	return encode(struct {
		Type string `json:"type"`
		*livechat.PaymentItem
	}{"payment_item", item})
}

func bookingEvent(b *livechat.Booking) []byte {
	return encode(struct {
		Type string `json:"type"`
		*livechat.Booking
	}{"booking", b})
}

func errorEvent(msg string) []byte {
	return encode(map[string]string{"type": "error", "msg": msg})
}
