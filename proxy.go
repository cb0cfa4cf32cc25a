package livechat

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Entity Proxy
// ============================================================================

// LoadState is the result of EnsureLoaded.
type LoadState int

const (
	LoadPending LoadState = iota
	LoadReady
)

func (s LoadState) String() string {
	if s == LoadReady {
		return "ready"
	}
	return "pending"
}

// Ref is a handle to a possibly unloaded remote entity. Peek never has side
// effects; Load, EnsureLoaded and Get send at most one outstanding fetch for
// the id.
type Ref[K comparable, T any] struct {
	store *Store[K, T]
	id    K
}

// ID returns the entity id.
func (r Ref[K, T]) ID() K { return r.id }

// Valid reports whether the ref points at a store.
func (r Ref[K, T]) Valid() bool { return r.store != nil }

// IsLoaded reports whether the entity is hydrated. It never fetches.
func (r Ref[K, T]) IsLoaded() bool {
	return r.store != nil && r.store.IsLoaded(r.id)
}

// Load returns the loaded state, requesting the entity if needed.
func (r Ref[K, T]) Load() bool {
	if r.store == nil {
		return false
	}
	return r.store.Load(r.id)
}

// EnsureLoaded is Load reported as a LoadState.
func (r Ref[K, T]) EnsureLoaded() LoadState {
	if r.Load() {
		return LoadReady
	}
	return LoadPending
}

// Peek returns the entity if hydrated, without fetching.
func (r Ref[K, T]) Peek() (T, bool) {
	if r.store == nil {
		var zero T
		return zero, false
	}
	return r.store.Peek(r.id)
}

// Get loads the entity and returns it if hydrated.
func (r Ref[K, T]) Get() (T, bool) {
	if r.store == nil {
		var zero T
		return zero, false
	}
	return r.store.Get(r.id)
}

// attr reads one field of a ref, loading it first. ok is false while the
// entity is unloaded, so a zero value is never mistaken for server data.
func attr[K comparable, T, V any](r Ref[K, T], f func(*T) V) (v V, ok bool) {
	e, ok := r.Get()
	if !ok {
		return v, false
	}
	return f(&e), true
}

// ============================================================================
// Message
// ============================================================================

// MessageRef is the proxy for a message.
type MessageRef struct {
	Ref[int64, Message]
	s *Session
}

func (m MessageRef) Text() (string, bool) {
	return attr(m.Ref, func(e *Message) string { return e.Text })
}

func (m MessageRef) MID() (string, bool) {
	return attr(m.Ref, func(e *Message) string { return e.MID })
}

func (m MessageRef) Direction() (Direction, bool) {
	return attr(m.Ref, func(e *Message) Direction { return e.Direction })
}

func (m MessageRef) Timestamp() (time.Time, bool) {
	return attr(m.Ref, func(e *Message) time.Time { return e.Time() })
}

func (m MessageRef) Image() (*string, bool) {
	return attr(m.Ref, func(e *Message) *string { return e.Image })
}

func (m MessageRef) State() (MessageState, bool) {
	return attr(m.Ref, func(e *Message) MessageState { return e.State })
}

func (m MessageRef) Request() (*string, bool) {
	return attr(m.Ref, func(e *Message) *string { return e.Request })
}

func (m MessageRef) SentBy() (*string, bool) {
	return attr(m.Ref, func(e *Message) *string { return e.SentBy })
}

func (m MessageRef) ProfilePicture() (*string, bool) {
	return attr(m.Ref, func(e *Message) *string { return e.ProfilePicture })
}

func (m MessageRef) Buttons() ([]Button, bool) {
	return attr(m.Ref, func(e *Message) []Button { return e.Buttons })
}

// Ended reports whether the message marks the end of a session.
func (m MessageRef) Ended() (bool, bool) {
	return attr(m.Ref, func(e *Message) bool { return e.End })
}

// RequestsLiveAgent reports whether the customer asked for a human.
func (m MessageRef) RequestsLiveAgent() (bool, bool) {
	return attr(m.Ref, func(e *Message) bool { return e.Request != nil && *e.Request == RequestLiveAgent })
}

// Selection decodes the JSON selection payload. raw is nil when the loaded
// message carries no selection.
func (m MessageRef) Selection() (raw json.RawMessage, ok bool) {
	return attr(m.Ref, func(e *Message) json.RawMessage { return jsonField(e.Selection) })
}

// Card decodes the JSON card payload.
func (m MessageRef) Card() (raw json.RawMessage, ok bool) {
	return attr(m.Ref, func(e *Message) json.RawMessage { return jsonField(e.Card) })
}

func jsonField(s *string) json.RawMessage {
	if s == nil || *s == "" || !json.Valid([]byte(*s)) {
		return nil
	}
	return json.RawMessage(*s)
}

// Conversation returns the conversation the message belongs to.
func (m MessageRef) Conversation() (ConversationRef, bool) {
	id, ok := attr(m.Ref, func(e *Message) int64 { return e.ConversationID })
	if !ok {
		return ConversationRef{}, false
	}
	return m.s.Conversation(id), true
}

// PaymentRequest returns the payment the message requests, if any.
func (m MessageRef) PaymentRequest() (p PaymentRef, present, ok bool) {
	return m.paymentRef(func(e *Message) *string { return e.PaymentRequest })
}

// PaymentConfirm returns the payment the message confirms, if any.
func (m MessageRef) PaymentConfirm() (p PaymentRef, present, ok bool) {
	return m.paymentRef(func(e *Message) *string { return e.PaymentConfirm })
}

func (m MessageRef) paymentRef(f func(*Message) *string) (PaymentRef, bool, bool) {
	id, ok := attr(m.Ref, f)
	if !ok {
		return PaymentRef{}, false, false
	}
	if id == nil {
		return PaymentRef{}, false, true
	}
	return m.s.Payment(*id), true, true
}

// Entities returns the extracted annotations, fetching them on first use.
func (m MessageRef) Entities() (MessageEntities, bool) {
	return m.s.MessageEntities.Get(m.ID())
}

// ============================================================================
// Conversation
// ============================================================================

// ConversationRef is the proxy for a conversation.
type ConversationRef struct {
	Ref[int64, Conversation]
	s *Session
}

func (c ConversationRef) CustomerName() (string, bool) {
	return attr(c.Ref, func(e *Conversation) string { return e.CustomerName })
}

func (c ConversationRef) Username() (*string, bool) {
	return attr(c.Ref, func(e *Conversation) *string { return e.CustomerUsername })
}

func (c ConversationRef) Picture() (*string, bool) {
	return attr(c.Ref, func(e *Conversation) *string { return e.CustomerPic })
}

func (c ConversationRef) Email() (*string, bool) {
	return attr(c.Ref, func(e *Conversation) *string { return e.CustomerEmail })
}

func (c ConversationRef) Phone() (*string, bool) {
	return attr(c.Ref, func(e *Conversation) *string { return e.CustomerPhone })
}

func (c ConversationRef) Locale() (*string, bool) {
	return attr(c.Ref, func(e *Conversation) *string { return e.CustomerLocale })
}

func (c ConversationRef) Gender() (*string, bool) {
	return attr(c.Ref, func(e *Conversation) *string { return e.CustomerGender })
}

func (c ConversationRef) Timezone() (*string, bool) {
	return attr(c.Ref, func(e *Conversation) *string { return e.Timezone })
}

func (c ConversationRef) Platform() (Platform, bool) {
	return attr(c.Ref, func(e *Conversation) Platform { return e.Platform })
}

func (c ConversationRef) AgentResponding() (bool, bool) {
	return attr(c.Ref, func(e *Conversation) bool { return e.AgentResponding })
}

func (c ConversationRef) CurrentUserResponding() (bool, bool) {
	return attr(c.Ref, func(e *Conversation) bool { return e.CurrentUserResponding })
}

func (c ConversationRef) CurrentAgent() (*string, bool) {
	return attr(c.Ref, func(e *Conversation) *string { return e.CurrentAgent })
}

// Messages returns proxies for the conversation's messages in server order.
// The messages themselves are not fetched until read.
func (c ConversationRef) Messages() ([]MessageRef, bool) {
	ids, ok := attr(c.Ref, func(e *Conversation) []int64 { return e.Messages })
	if !ok {
		return nil, false
	}
	out := make([]MessageRef, len(ids))
	for i, id := range ids {
		out[i] = c.s.Message(id)
	}
	return out, true
}

// Payments returns proxies for the conversation's payments.
func (c ConversationRef) Payments() ([]PaymentRef, bool) {
	ids, ok := attr(c.Ref, func(e *Conversation) []string { return e.Payments })
	if !ok {
		return nil, false
	}
	out := make([]PaymentRef, len(ids))
	for i, id := range ids {
		out[i] = c.s.Payment(id)
	}
	return out, true
}

// Bookings returns proxies for the conversation's repair bookings.
func (c ConversationRef) Bookings() ([]BookingRef, bool) {
	ids, ok := attr(c.Ref, func(e *Conversation) []string { return e.RepairBookings })
	if !ok {
		return nil, false
	}
	out := make([]BookingRef, len(ids))
	for i, id := range ids {
		out[i] = c.s.Booking(id)
	}
	return out, true
}

// Eligibility evaluates whether the operator may message the customer at
// now. Every message of the conversation is requested; until all of them
// are loaded the result is CanViewOnly and not ok.
func (c ConversationRef) Eligibility(now time.Time) (Eligibility, bool) {
	conv, ok := c.Get()
	if !ok {
		return CannotInteract, false
	}
	msgs := make([]Message, 0, len(conv.Messages))
	complete := true
	for _, id := range conv.Messages {
		if m, ok := c.s.Messages.Get(id); ok {
			msgs = append(msgs, m)
		} else {
			complete = false
		}
	}
	if !complete {
		return CanViewOnly, false
	}
	return Evaluate(conv, msgs, now), true
}

// CanMessage is Eligibility reduced to a bool; unloaded reads as false.
func (c ConversationRef) CanMessage(now time.Time) bool {
	e, ok := c.Eligibility(now)
	return ok && e == CanMessage
}

// ============================================================================
// Payment
// ============================================================================

// PaymentRef is the proxy for a payment.
type PaymentRef struct {
	Ref[string, Payment]
	s *Session
}

func (p PaymentRef) State() (PaymentState, bool) {
	return attr(p.Ref, func(e *Payment) PaymentState { return e.State })
}

func (p PaymentRef) Timestamp() (float64, bool) {
	return attr(p.Ref, func(e *Payment) float64 { return e.Timestamp })
}

func (p PaymentRef) Method() (*string, bool) {
	return attr(p.Ref, func(e *Payment) *string { return e.PaymentMethod })
}

func (p PaymentRef) Total() (string, bool) {
	return attr(p.Ref, func(e *Payment) string { return e.Total })
}

// Items returns proxies for the payment's line items in server order.
func (p PaymentRef) Items() ([]PaymentItemRef, bool) {
	ids, ok := attr(p.Ref, func(e *Payment) []int64 { return e.Items })
	if !ok {
		return nil, false
	}
	out := make([]PaymentItemRef, len(ids))
	for i, id := range ids {
		out[i] = p.s.PaymentItem(id)
	}
	return out, true
}

// PaymentItemRef is the proxy for a payment line item.
type PaymentItemRef struct {
	Ref[int64, PaymentItem]
}

func (p PaymentItemRef) Title() (string, bool) {
	return attr(p.Ref, func(e *PaymentItem) string { return e.Title })
}

func (p PaymentItemRef) Quantity() (int, bool) {
	return attr(p.Ref, func(e *PaymentItem) int { return e.Quantity })
}

func (p PaymentItemRef) Price() (string, bool) {
	return attr(p.Ref, func(e *PaymentItem) string { return e.Price })
}

// ============================================================================
// Booking
// ============================================================================

// BookingRef is the proxy for a repair booking.
type BookingRef struct {
	Ref[string, Booking]
}

func (b BookingRef) Time() (time.Time, bool) {
	e, ok := b.Get()
	if !ok {
		return time.Time{}, false
	}
	t, err := e.ScheduledAt()
	if err != nil {
		return time.Time{}, true
	}
	return t, true
}

func (b BookingRef) Repair() (RepairDetails, bool) {
	return attr(b.Ref, func(e *Booking) RepairDetails { return e.Repair })
}
