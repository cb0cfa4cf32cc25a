package livechat

import (
	"encoding/json"
	"fmt"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an error returned by the HTTP endpoints.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Kind identifies one entity kind held by the session's local stores.
type Kind string

const (
	KindMessage      Kind = "message"
	KindConversation Kind = "conversation"
	KindPayment      Kind = "payment"
	KindPaymentItem  Kind = "payment_item"
	KindBooking      Kind = "booking"

	// KindMessageEntities is the lazily fetched annotation facet of a message.
	KindMessageEntities Kind = "message_entities"
)

// Kinds lists every entity kind in replay order.
var Kinds = []Kind{KindConversation, KindMessage, KindMessageEntities, KindPayment, KindPaymentItem, KindBooking}

// fetchType returns the outbound command type that requests one entity of kind k.
func (k Kind) fetchType() string {
	switch k {
	case KindMessage:
		return "getMessage"
	case KindConversation:
		return "getConversation"
	case KindPayment:
		return "getPayment"
	case KindPaymentItem:
		return "getPaymentItem"
	case KindBooking:
		return "getBooking"
	case KindMessageEntities:
		return "getMessageEntities"
	}
	return ""
}

// ============================================================================
// Enums
// ============================================================================

// Direction is the direction of a message relative to the customer.
type Direction string

const (
	DirectionToCustomer   Direction = "I"
	DirectionFromCustomer Direction = "O"
)

// Inbound reports whether the message came from the customer.
func (d Direction) Inbound() bool { return d == DirectionFromCustomer }

// MessageState is the delivery state of a message.
type MessageState string

const (
	MessageDelivered MessageState = "D"
	MessageRead      MessageState = "R"
	MessageFailed    MessageState = "F"
	MessageSending   MessageState = "S"
)

func (s MessageState) String() string {
	switch s {
	case MessageDelivered:
		return "Delivered"
	case MessageRead:
		return "Read"
	case MessageFailed:
		return "Failed to send"
	case MessageSending:
		return "Sending..."
	}
	return string(s)
}

// PaymentState is the lifecycle state of a payment.
type PaymentState string

const (
	PaymentOpen     PaymentState = "O"
	PaymentPaid     PaymentState = "P"
	PaymentComplete PaymentState = "C"
	PaymentFailed   PaymentState = "F"
)

// Platform is the external channel a conversation runs on.
type Platform string

const (
	PlatformFacebook      Platform = "FB"
	PlatformTwitter       Platform = "TW"
	PlatformTelegram      Platform = "TG"
	PlatformAzure         Platform = "AZ"
	PlatformGoogleActions Platform = "GA"
	PlatformChat          Platform = "CH"
	PlatformWhatsApp      Platform = "WA"
	PlatformSMS           Platform = "SM"
	PlatformEmail         Platform = "EM"
	PlatformAppleBusiness Platform = "AB"
)

// Request values carried on messages.
const (
	RequestSignIn    = "sign_in"
	RequestLiveAgent = "live_agent"
)

// ============================================================================
// Entity Payloads
// ============================================================================

// Message is a hydrated chat message.
type Message struct {
	ID             int64        `json:"id"`
	MID            string       `json:"mid,omitempty"`
	ConversationID int64        `json:"conversation_id"`
	Direction      Direction    `json:"direction"`
	Timestamp      int64        `json:"timestamp"`
	Text           string       `json:"text"`
	Image          *string      `json:"image"`
	State          MessageState `json:"state,omitempty"`
	Read           bool         `json:"read"`
	Delivered      bool         `json:"delivered"`
	PaymentRequest *string      `json:"payment_request"`
	PaymentConfirm *string      `json:"payment_confirm"`
	Request        *string      `json:"request"`
	SentBy         *string      `json:"sent_by"`
	ProfilePicture *string      `json:"profile_picture_url,omitempty"`
	Selection      *string      `json:"selection,omitempty"`
	Card           *string      `json:"card,omitempty"`
	Buttons        []Button     `json:"buttons,omitempty"`
	End            bool         `json:"end,omitempty"`
}

// Time returns the message timestamp.
func (m *Message) Time() time.Time { return time.Unix(m.Timestamp, 0) }

// Button is a quick action attached to a message.
type Button struct {
	Text string `json:"text"`
	Type string `json:"type"`
	URL  string `json:"url,omitempty"`
}

// MessageEntities are the annotations extracted from a message.
type MessageEntities struct {
	ID            int64           `json:"id"`
	GuessedIntent *string         `json:"guessed_intent"`
	Entities      []MessageEntity `json:"entities"`
}

// MessageEntity is one typed key/value annotation, e.g. phone-number.
type MessageEntity struct {
	Entity string `json:"entity"`
	Value  string `json:"value"`
}

// Conversation is a hydrated conversation.
type Conversation struct {
	ID                    int64    `json:"id"`
	Platform              Platform `json:"platform"`
	AgentResponding       bool     `json:"agent_responding"`
	CurrentUserResponding bool     `json:"current_user_responding"`
	CurrentAgent          *string  `json:"current_agent,omitempty"`
	CustomerName          string   `json:"customer_name"`
	CustomerFirstName     string   `json:"customer_first_name,omitempty"`
	CustomerLastName      string   `json:"customer_last_name,omitempty"`
	CustomerUsername      *string  `json:"customer_username"`
	CustomerPic           *string  `json:"customer_pic"`
	Timezone              *string  `json:"timezone"`
	CustomerEmail         *string  `json:"customer_email"`
	CustomerPhone         *string  `json:"customer_phone"`
	CustomerLocale        *string  `json:"customer_locale"`
	CustomerGender        *string  `json:"customer_gender"`
	Messages              []int64  `json:"messages"`
	Payments              []string `json:"payments"`
	RepairBookings        []string `json:"repair_bookings"`
}

// Payment is a hydrated payment.
type Payment struct {
	ID             string       `json:"id"`
	ConversationID int64        `json:"conversation_id,omitempty"`
	Timestamp      float64      `json:"timestamp"`
	State          PaymentState `json:"state"`
	PaymentMethod  *string      `json:"payment_method"`
	Total          string       `json:"total"`

	// Items holds payment item ids in server order.
	Items []int64 `json:"-"`
	// inline holds item objects sent embedded in the payment event.
	inline []PaymentItem
}

// UnmarshalJSON accepts items either as ids or as embedded item objects.
func (p *Payment) UnmarshalJSON(data []byte) error {
	type plain Payment
	aux := struct {
		*plain
		RawItems []json.RawMessage `json:"items"`
	}{plain: (*plain)(p)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	p.Items = p.Items[:0]
	p.inline = nil
	for i, raw := range aux.RawItems {
		var id int64
		if err := json.Unmarshal(raw, &id); err == nil {
			p.Items = append(p.Items, id)
			continue
		}
		var item PaymentItem
		if err := json.Unmarshal(raw, &item); err != nil {
			return fmt.Errorf("payment %s item %d: %w", p.ID, i, err)
		}
		if item.PaymentID == "" {
			item.PaymentID = p.ID
		}
		p.Items = append(p.Items, item.ID)
		p.inline = append(p.inline, item)
	}
	return nil
}

// PaymentItem is a hydrated line item of a payment.
type PaymentItem struct {
	ID        int64  `json:"id"`
	PaymentID string `json:"payment_id"`
	ItemType  string `json:"item_type,omitempty"`
	ItemData  string `json:"item_data,omitempty"`
	Title     string `json:"title"`
	Quantity  int    `json:"quantity"`
	Price     string `json:"price"`
}

// Booking is a hydrated repair booking.
type Booking struct {
	ID             string        `json:"id"`
	ConversationID int64         `json:"conversation_id,omitempty"`
	Time           string        `json:"time"`
	Repair         RepairDetails `json:"repair"`
}

// ScheduledAt parses the booking time. Naive timestamps are read as UTC.
func (b *Booking) ScheduledAt() (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, b.Time); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("booking %s: unparseable time %q", b.ID, b.Time)
}

// RepairDetails describes the repair a booking is for.
type RepairDetails struct {
	ID     int64       `json:"id"`
	Time   string      `json:"time"`
	Price  string      `json:"price"`
	Repair NamedRecord `json:"repair"`
	Device Device      `json:"device"`
}

// Device is the device a repair applies to.
type Device struct {
	NamedRecord
	Brand NamedRecord `json:"brand"`
}

// NamedRecord is a catalogue record with an internal and a display name.
type NamedRecord struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
}

// ============================================================================
// Control Payloads
// ============================================================================

// ServerError is the payload of an inbound error event.
type ServerError struct {
	Msg string `json:"msg"`
}

// ConversationDelete removes a conversation from the local store.
type ConversationDelete struct {
	ID int64 `json:"id"`
}

// ConversationMerge announces that conversation ID was merged into NID.
type ConversationMerge struct {
	ID  int64 `json:"id"`
	NID int64 `json:"nid"`
}

// UnmarshalJSON also accepts the cid/ncid spelling used by group broadcasts.
func (m *ConversationMerge) UnmarshalJSON(data []byte) error {
	var aux struct {
		ID   *int64 `json:"id"`
		NID  *int64 `json:"nid"`
		CID  *int64 `json:"cid"`
		NCID *int64 `json:"ncid"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*m = ConversationMerge{}
	switch {
	case aux.ID != nil:
		m.ID = *aux.ID
	case aux.CID != nil:
		m.ID = *aux.CID
	}
	switch {
	case aux.NID != nil:
		m.NID = *aux.NID
	case aux.NCID != nil:
		m.NID = *aux.NCID
	}
	return nil
}

// envelope is decoded first to route an inbound frame by its discriminator.
type envelope struct {
	Type string `json:"type"`
}

// ============================================================================
// HTTP Payloads
// ============================================================================

// Profile is the customer profile returned by the chat config endpoint.
type Profile struct {
	Name            string `json:"name"`
	IsAuthenticated bool   `json:"is_authenticated"`
}

// ChatConfig is the response of the chat config endpoint.
type ChatConfig struct {
	Token     *string   `json:"token"`
	Profile   *Profile  `json:"profile,omitempty"`
	LoginURL  string    `json:"login_url,omitempty"`
	LogoutURL string    `json:"logout_url,omitempty"`
	Error     *APIError `json:"error,omitempty"`
}
