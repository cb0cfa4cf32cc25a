package livechat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrNotConnected is returned when a command is sent while the duplex
	// channel is down. Fetches hit by it stay pending and are replayed on open.
	ErrNotConnected = errors.New("livechat: not connected")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("livechat: session closed")
	// ErrBackpressure is returned when the outbound queue is full.
	ErrBackpressure = errors.New("livechat: send queue full")
	// ErrWrongVariant is returned when a command is not valid for the
	// session's variant.
	ErrWrongVariant = errors.New("livechat: command not available for this session variant")
)

// ============================================================================
// Options
// ============================================================================

// Variant selects which backend stream the session speaks to.
type Variant string

const (
	// VariantOperator is the human-agent console stream.
	VariantOperator Variant = "operator"
	// VariantCustomer is the customer chat widget stream.
	VariantCustomer Variant = "customer"
)

// Sender is the outbound half of a duplex channel.
type Sender interface {
	Send(ctx context.Context, data []byte) error
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithVariant sets the session variant. Defaults to VariantOperator.
func WithVariant(v Variant) SessionOption {
	return func(s *Session) { s.variant = v }
}

// WithToken sets the chat token sent with customer resync requests.
func WithToken(token string) SessionOption {
	return func(s *Session) { s.token = token }
}

// WithLogger sets the session logger. Defaults to a discarding logger.
func WithLogger(l *slog.Logger) SessionOption {
	return func(s *Session) { s.logger = l }
}

// WithMetrics records sync bookkeeping into m.
func WithMetrics(m *Metrics) SessionOption {
	return func(s *Session) { s.metrics = m }
}

// WithClock overrides the clock used for notices and outbox entries.
func WithClock(now func() time.Time) SessionOption {
	return func(s *Session) { s.now = now }
}

// ============================================================================
// Watermark
// ============================================================================

// Watermark is the timestamp of the newest message seen this session.
// The zero value means nothing has been seen and encodes as JSON null.
type Watermark struct {
	Timestamp int64
	Valid     bool
}

func (w Watermark) MarshalJSON() ([]byte, error) {
	if !w.Valid {
		return []byte("null"), nil
	}
	return strconv.AppendInt(nil, w.Timestamp, 10), nil
}

func (w *Watermark) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*w = Watermark{}
		return nil
	}
	var ts int64
	if err := json.Unmarshal(data, &ts); err != nil {
		return err
	}
	*w = Watermark{Timestamp: ts, Valid: true}
	return nil
}

// PendingSend is a customer message sent but not yet echoed by the server.
type PendingSend struct {
	MID  string
	Text string
	At   time.Time
}

// ============================================================================
// Session
// ============================================================================

// Session is the client-side projection of the backend's entities. It owns
// one Store per entity kind, decides what to send when the duplex channel
// opens, and applies inbound events in arrival order. Only inbound events
// mutate the stores.
type Session struct {
	variant Variant
	token   string
	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time

	Messages        *Store[int64, Message]
	MessageEntities *Store[int64, MessageEntities]
	Conversations   *Store[int64, Conversation]
	Payments        *Store[string, Payment]
	PaymentItems    *Store[int64, PaymentItem]
	Bookings        *Store[string, Booking]

	connMu    sync.RWMutex
	conn      Sender
	connected bool
	closed    bool

	mu        sync.Mutex
	watermark Watermark
	selected  int64
	hasSel    bool
	notices   []Notice
	noticeSeq int
	outbox    []PendingSend
	config    *ChatConfig
	readSent  map[int64]struct{}
	paging    bool

	observers observers
}

// NewSession creates an empty session. Attach a channel with Attach, or
// drive HandleOpen, HandleMessage and HandleClose directly.
func NewSession(opts ...SessionOption) *Session {
	s := &Session{
		variant:  VariantOperator,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:      time.Now,
		readSent: make(map[int64]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("variant", string(s.variant))
	s.observers.logger = s.logger

	s.Messages = newStore[int64, Message](KindMessage, fetchBy[int64](s, KindMessage), s.emit, s.metrics)
	s.MessageEntities = newStore[int64, MessageEntities](KindMessageEntities, fetchBy[int64](s, KindMessageEntities), s.emit, s.metrics)
	s.Conversations = newStore[int64, Conversation](KindConversation, fetchBy[int64](s, KindConversation), s.emit, s.metrics)
	s.Payments = newStore[string, Payment](KindPayment, fetchBy[string](s, KindPayment), s.emit, s.metrics)
	s.PaymentItems = newStore[int64, PaymentItem](KindPaymentItem, fetchBy[int64](s, KindPaymentItem), s.emit, s.metrics)
	s.Bookings = newStore[string, Booking](KindBooking, fetchBy[string](s, KindBooking), s.emit, s.metrics)
	return s
}

// fetchBy returns the request function a store calls for an unloaded id.
func fetchBy[K comparable](s *Session, k Kind) func(K) {
	return func(id K) {
		err := s.send(context.Background(), Command{"type": k.fetchType(), "id": id})
		if err != nil {
			s.logger.Debug("fetch_deferred", "kind", string(k), "id", id, "error", err)
		}
	}
}

func (s *Session) stores() []replayer {
	return []replayer{s.Conversations, s.Messages, s.MessageEntities, s.Payments, s.PaymentItems, s.Bookings}
}

// Variant returns the session variant.
func (s *Session) Variant() Variant { return s.variant }

// Message returns the proxy for a message id.
func (s *Session) Message(id int64) MessageRef {
	return MessageRef{Ref: s.Messages.Ref(id), s: s}
}

// Conversation returns the proxy for a conversation id.
func (s *Session) Conversation(id int64) ConversationRef {
	return ConversationRef{Ref: s.Conversations.Ref(id), s: s}
}

// Payment returns the proxy for a payment id.
func (s *Session) Payment(id string) PaymentRef {
	return PaymentRef{Ref: s.Payments.Ref(id), s: s}
}

// PaymentItem returns the proxy for a payment item id.
func (s *Session) PaymentItem(id int64) PaymentItemRef {
	return PaymentItemRef{Ref: s.PaymentItems.Ref(id)}
}

// Booking returns the proxy for a booking id.
func (s *Session) Booking(id string) BookingRef {
	return BookingRef{Ref: s.Bookings.Ref(id)}
}

// Subscribe registers h for change notifications and returns a function
// that removes it.
func (s *Session) Subscribe(h ChangeHandler) func() {
	return s.observers.subscribe(h)
}

func (s *Session) emit(c Change) {
	s.observers.emit(c)
}

// ============================================================================
// Channel lifecycle
// ============================================================================

// Attach binds the session to rc: the session sends through rc and handles
// its open, message and close callbacks.
func (s *Session) Attach(rc *RealtimeClient) {
	s.connMu.Lock()
	s.conn = rc
	s.connMu.Unlock()
	rc.OnOpen(s.HandleOpen)
	rc.OnMessage(s.HandleMessage)
	rc.OnClose(s.HandleClose)
}

// SetSender binds the outbound half of the channel without callbacks.
func (s *Session) SetSender(conn Sender) {
	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
}

// Connected reports whether the duplex channel is currently open.
func (s *Session) Connected() bool {
	s.connMu.RLock()
	defer s.connMu.RUnlock()
	return s.connected
}

// HandleOpen runs on every (re)open of the duplex channel. It sends the
// resync request, then replays the fetches that were outstanding when the
// channel opened. A Load racing with the open sends its own request and is
// not replayed again.
func (s *Session) HandleOpen(ctx context.Context) {
	s.connMu.Lock()
	if s.closed {
		s.connMu.Unlock()
		return
	}
	s.connected = true
	s.connMu.Unlock()

	stores := s.stores()
	replays := make([]func() int, len(stores))
	for i, st := range stores {
		replays[i] = st.pendingReplay()
	}
	s.metrics.opened()

	s.mu.Lock()
	wm := s.watermark
	s.readSent = make(map[int64]struct{})
	s.paging = false
	s.mu.Unlock()

	req := resyncRequest{Type: "resyncReq", LastMessage: wm}
	if s.variant == VariantCustomer {
		req.Token = s.token
	}
	mode := "start"
	if wm.Valid {
		mode = "watermark"
	}
	if err := s.sendJSON(ctx, req); err != nil {
		s.logger.Warn("resync_failed", "mode", mode, "error", err)
	} else {
		s.metrics.resync(mode)
		s.logger.Info("resync_sent", "mode", mode, "watermark", wm.Timestamp)
	}

	for i, st := range stores {
		if n := replays[i](); n > 0 {
			s.logger.Info("fetch_replayed", "kind", string(st.Kind()), "count", n)
		}
	}
	s.emit(Change{Type: ChangeConnection, ID: "open"})
}

// HandleClose runs when the duplex channel drops.
func (s *Session) HandleClose(code int, reason string) {
	s.connMu.Lock()
	s.connected = false
	s.connMu.Unlock()
	s.logger.Info("channel_closed", "code", code, "reason", reason)
	s.emit(Change{Type: ChangeConnection, ID: "closed"})
}

// Close detaches the session and closes an attached channel. Later sends
// return ErrClosed.
func (s *Session) Close() error {
	s.connMu.Lock()
	conn := s.conn
	s.closed = true
	s.connected = false
	s.conn = nil
	s.connMu.Unlock()

	if d, ok := conn.(interface{ Disconnect() error }); ok {
		return d.Disconnect()
	}
	return nil
}

// resyncRequest asks the server to replay events newer than LastMessage,
// or everything when LastMessage is null.
type resyncRequest struct {
	Type        string    `json:"type"`
	LastMessage Watermark `json:"lastMessage"`
	Token       string    `json:"token,omitempty"`
}

// ============================================================================
// Inbound dispatch
// ============================================================================

// HandleMessage applies one inbound frame. Frames with an unknown type are
// ignored; frames that fail to decode are logged and dropped.
func (s *Session) HandleMessage(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.metrics.ignoredEvent("invalid")
		s.logger.Warn("event_undecodable", "error", err)
		return
	}

	switch env.Type {
	case "message":
		var m Message
		if s.decode(env.Type, data, &m) {
			s.applyMessage(m)
		}
	case "message_entities":
		var e MessageEntities
		if s.decode(env.Type, data, &e) {
			s.MessageEntities.hydrate(e.ID, e)
		}
	case "conversation":
		var c Conversation
		if s.decode(env.Type, data, &c) {
			s.applyConversation(c)
		}
	case "conversation_delete":
		var d ConversationDelete
		if s.decode(env.Type, data, &d) {
			s.Conversations.remove(d.ID)
			s.clearSelectionIf(d.ID)
		}
	case "conversation_merge":
		var m ConversationMerge
		if s.decode(env.Type, data, &m) {
			s.reselect(m.ID, m.NID)
		}
	case "payment":
		var p Payment
		if s.decode(env.Type, data, &p) {
			for _, item := range p.inline {
				s.PaymentItems.hydrate(item.ID, item)
			}
			p.inline = nil
			s.Payments.hydrate(p.ID, p)
		}
	case "payment_item":
		var item PaymentItem
		if s.decode(env.Type, data, &item) {
			s.PaymentItems.hydrate(item.ID, item)
		}
	case "booking":
		var b Booking
		if s.decode(env.Type, data, &b) {
			s.Bookings.hydrate(b.ID, b)
		}
	case "error":
		var e ServerError
		if s.decode(env.Type, data, &e) {
			s.addNotice(e.Msg)
		}
	case "config":
		var c ChatConfig
		if s.decode(env.Type, data, &c) {
			s.mu.Lock()
			s.config = &c
			s.mu.Unlock()
			s.emit(Change{Type: ChangeConfig})
		}
	default:
		s.metrics.ignoredEvent("unknown")
		s.logger.Debug("event_ignored", "type", env.Type)
	}
}

func (s *Session) decode(eventType string, data []byte, v any) bool {
	if err := json.Unmarshal(data, v); err != nil {
		s.metrics.ignoredEvent(eventType)
		s.logger.Warn("event_undecodable", "type", eventType, "error", err)
		return false
	}
	return true
}

func (s *Session) applyMessage(m Message) {
	s.Messages.hydrate(m.ID, m)

	s.mu.Lock()
	if !s.watermark.Valid || m.Timestamp > s.watermark.Timestamp {
		s.watermark = Watermark{Timestamp: m.Timestamp, Valid: true}
	}
	outboxChanged := false
	if m.MID != "" {
		for i, p := range s.outbox {
			if p.MID == m.MID {
				s.outbox = append(s.outbox[:i], s.outbox[i+1:]...)
				outboxChanged = true
				break
			}
		}
	}
	s.mu.Unlock()

	if s.variant == VariantOperator {
		// A message for a conversation never seen before makes it appear.
		if !s.Conversations.IsLoaded(m.ConversationID) {
			s.Conversations.Load(m.ConversationID)
		}
	}
	for _, pid := range []*string{m.PaymentRequest, m.PaymentConfirm} {
		if pid != nil {
			s.Payments.Ref(*pid)
		}
	}
	if outboxChanged {
		s.emit(Change{Type: ChangeOutbox, ID: m.MID})
	}
}

func (s *Session) applyConversation(c Conversation) {
	s.Conversations.hydrate(c.ID, c)
	s.releasePage()
	for _, id := range c.Messages {
		s.Messages.Ref(id)
	}
	for _, id := range c.Payments {
		s.Payments.Ref(id)
	}
	for _, id := range c.RepairBookings {
		s.Bookings.Ref(id)
	}
}

// ============================================================================
// Selection
// ============================================================================

// Select makes id the selected conversation.
func (s *Session) Select(id int64) {
	s.mu.Lock()
	changed := !s.hasSel || s.selected != id
	s.selected, s.hasSel = id, true
	s.mu.Unlock()
	if changed {
		s.emit(Change{Type: ChangeSelected, Kind: KindConversation, ID: strconv.FormatInt(id, 10)})
	}
}

// ClearSelection deselects the current conversation.
func (s *Session) ClearSelection() {
	s.mu.Lock()
	had := s.hasSel
	s.selected, s.hasSel = 0, false
	s.mu.Unlock()
	if had {
		s.emit(Change{Type: ChangeSelected, Kind: KindConversation})
	}
}

// Selected returns the selected conversation id, if any.
func (s *Session) Selected() (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selected, s.hasSel
}

// SelectedConversation returns the proxy of the selected conversation.
func (s *Session) SelectedConversation() (ConversationRef, bool) {
	id, ok := s.Selected()
	if !ok {
		return ConversationRef{}, false
	}
	return s.Conversation(id), true
}

func (s *Session) clearSelectionIf(id int64) {
	s.mu.Lock()
	hit := s.hasSel && s.selected == id
	if hit {
		s.selected, s.hasSel = 0, false
	}
	s.mu.Unlock()
	if hit {
		s.emit(Change{Type: ChangeSelected, Kind: KindConversation})
	}
}

func (s *Session) reselect(oldID, newID int64) {
	s.mu.Lock()
	hit := s.hasSel && s.selected == oldID
	if hit {
		s.selected = newID
	}
	s.mu.Unlock()
	if hit {
		s.emit(Change{Type: ChangeSelected, Kind: KindConversation, ID: strconv.FormatInt(newID, 10)})
	}
}

// ============================================================================
// Notices, watermark, outbox, config
// ============================================================================

func (s *Session) addNotice(msg string) {
	s.metrics.notice()
	s.mu.Lock()
	s.noticeSeq++
	n := Notice{ID: s.noticeSeq, Msg: msg, At: s.now()}
	s.notices = append(s.notices, n)
	s.mu.Unlock()
	s.logger.Info("server_error", "msg", msg)
	s.emit(Change{Type: ChangeNotice, ID: strconv.Itoa(n.ID)})
}

// Notices returns the undismissed server error notices, oldest first.
func (s *Session) Notices() []Notice {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Notice(nil), s.notices...)
}

// Dismiss removes the notice with the given id.
func (s *Session) Dismiss(id int) bool {
	s.mu.Lock()
	found := false
	for i, n := range s.notices {
		if n.ID == id {
			s.notices = append(s.notices[:i], s.notices[i+1:]...)
			found = true
			break
		}
	}
	s.mu.Unlock()
	if found {
		s.emit(Change{Type: ChangeNotice, ID: strconv.Itoa(id)})
	}
	return found
}

// Watermark returns the newest message timestamp seen this session.
func (s *Session) Watermark() Watermark {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watermark
}

// Outbox returns customer messages sent but not yet echoed by the server.
func (s *Session) Outbox() []PendingSend {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]PendingSend(nil), s.outbox...)
}

// Config returns the last config pushed over the channel, if any.
func (s *Session) Config() (ChatConfig, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.config == nil {
		return ChatConfig{}, false
	}
	return *s.config, true
}

// PendingCounts returns the number of outstanding fetches per kind.
func (s *Session) PendingCounts() map[Kind]int {
	out := make(map[Kind]int, len(Kinds))
	for _, st := range s.stores() {
		out[st.Kind()] = st.pendingCount()
	}
	return out
}

// ============================================================================
// Sending
// ============================================================================

func (s *Session) sender() (Sender, error) {
	s.connMu.RLock()
	defer s.connMu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	if s.conn == nil {
		return nil, ErrNotConnected
	}
	return s.conn, nil
}

func (s *Session) sendJSON(ctx context.Context, v any) error {
	conn, err := s.sender()
	if err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Send(ctx, data)
}
