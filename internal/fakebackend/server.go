// Package fakebackend is an in-memory live chat backend. It serves the chat
// config endpoints and both WebSocket streams, and is used by integration
// tests and the `livechat fake-backend` command.
package fakebackend

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/wewillfixyourpc/livechat-go"
)

// Options configures a Server.
type Options struct {
	// Secret signs session tokens. A random secret is generated when empty.
	Secret   []byte
	TokenTTL time.Duration
	// PageSize is the number of conversations sent per getConversations.
	PageSize int
	// InlinePaymentItems embeds item objects in payment events instead of ids.
	InlinePaymentItems bool
	Logger             *slog.Logger
}

// Frame is one command received from a client.
type Frame struct {
	Variant livechat.Variant
	Type    string
	Data    json.RawMessage
}

// Server is the fake backend. It implements http.Handler.
type Server struct {
	opts   Options
	secret []byte
	logger *slog.Logger
	router chi.Router

	mu       sync.Mutex
	data     *dataset
	clients  map[*client]struct{}
	received []Frame
}

type contextKey string

const claimsKey contextKey = "claims"

// New creates a server with an empty dataset.
func New(opts Options) *Server {
	if opts.TokenTTL == 0 {
		opts.TokenTTL = 24 * time.Hour
	}
	if opts.PageSize == 0 {
		opts.PageSize = 10
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	secret := opts.Secret
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			panic(err)
		}
	}

	s := &Server{
		opts:    opts,
		secret:  secret,
		logger:  opts.Logger,
		data:    newDataset(),
		clients: make(map[*client]struct{}),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get(livechat.ConfigPath, s.getConfig)
	r.Post(livechat.ConfigPath, s.postConfig)
	r.With(s.requireOperator).Get(livechat.OperatorPath, s.serveOperator)
	r.Get(livechat.CustomerPath, s.serveCustomer)
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ============================================================================
// HTTP
// ============================================================================

func bearer(r *http.Request) string {
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return parts[1]
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) getConfig(w http.ResponseWriter, r *http.Request) {
	cfg := livechat.ChatConfig{LoginURL: "/auth/login/", LogoutURL: "/auth/logout/"}
	if tok := bearer(r); tok != "" {
		if cid, _, err := s.customerConversation(tok); err == nil {
			s.mu.Lock()
			conv := s.data.conversations[cid]
			s.mu.Unlock()
			if conv != nil {
				cfg.Token = &tok
				cfg.Profile = &livechat.Profile{Name: conv.CustomerName, IsAuthenticated: false}
			}
		}
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) postConfig(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	name := r.PostFormValue("name")
	if name == "" {
		name = "Unknown"
	}
	tok, _, err := s.CreateChatSession(name)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": tok})
}

func (s *Server) requireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok := bearer(r)
		if tok == "" {
			tok = r.URL.Query().Get("token")
		}
		if tok == "" {
			http.Error(w, "Missing authentication token", http.StatusUnauthorized)
			return
		}
		claims, err := s.validate(tok, livechat.VariantOperator)
		if err != nil {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) serveOperator(w http.ResponseWriter, r *http.Request) {
	claims, _ := r.Context().Value(claimsKey).(*livechat.TokenClaims)
	name := "operator"
	if claims != nil && claims.Name != "" {
		name = claims.Name
	}
	s.upgrade(w, r, livechat.VariantOperator, name)
}

func (s *Server) serveCustomer(w http.ResponseWriter, r *http.Request) {
	s.upgrade(w, r, livechat.VariantCustomer, "")
}

func (s *Server) upgrade(w http.ResponseWriter, r *http.Request, variant livechat.Variant, name string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade_failed", "error", err)
		return
	}
	c := &client{
		srv:     s,
		conn:    conn,
		send:    make(chan []byte, 256),
		variant: variant,
		name:    name,
		done:    make(chan struct{}),
	}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	s.logger.Info("client_connected", "variant", string(variant), "name", name)

	go c.writePump()
	go c.readPump()
}

func (s *Server) unregister(c *client) {
	s.mu.Lock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		close(c.done)
	}
	s.mu.Unlock()
}

// ============================================================================
// Commands
// ============================================================================

type command struct {
	Type        string                        `json:"type"`
	ID          json.RawMessage               `json:"id"`
	CID         int64                         `json:"cid"`
	Text        string                        `json:"text"`
	Content     string                        `json:"content"`
	Token       string                        `json:"token"`
	LastMessage livechat.Watermark            `json:"lastMessage"`
	Attribute   string                        `json:"attribute"`
	Value       string                        `json:"value"`
	Items       []livechat.PaymentRequestItem `json:"items"`
	RID         int64                         `json:"rid"`
	Time        string                        `json:"time"`
	Offset      int                           `json:"offset"`
}

func (cmd *command) intID() (int64, bool) {
	var id int64
	if err := json.Unmarshal(cmd.ID, &id); err != nil {
		return 0, false
	}
	return id, true
}

func (cmd *command) stringID() (string, bool) {
	var id string
	if err := json.Unmarshal(cmd.ID, &id); err != nil {
		return "", false
	}
	return id, true
}

func (s *Server) handle(c *client, raw []byte) {
	var cmd command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		c.enqueue(errorEvent("malformed command"))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.received = append(s.received, Frame{Variant: c.variant, Type: cmd.Type, Data: append(json.RawMessage(nil), raw...)})

	if c.variant == livechat.VariantCustomer {
		s.handleCustomer(c, &cmd)
		return
	}
	s.handleOperator(c, &cmd)
}

// conversationFor renders c as operator o sees it.
func conversationFor(conv *livechat.Conversation, o *client) *livechat.Conversation {
	cp := *conv
	cp.CurrentUserResponding = conv.CurrentAgent != nil && *conv.CurrentAgent == o.name
	return &cp
}

func (s *Server) toOperators(f func(o *client) []byte) {
	for c := range s.clients {
		if c.variant == livechat.VariantOperator {
			c.enqueue(f(c))
		}
	}
}

func (s *Server) toCustomers(cid int64, data []byte) {
	for c := range s.clients {
		if c.variant == livechat.VariantCustomer && c.bound && c.cid == cid {
			c.enqueue(data)
		}
	}
}

func (s *Server) publishConversation(conv *livechat.Conversation) {
	s.toOperators(func(o *client) []byte { return conversationEvent(conversationFor(conv, o)) })
	s.toCustomers(conv.ID, customerConversationEvent(conv))
}

func (s *Server) publishMessage(m *livechat.Message) {
	ev := messageEvent(m)
	s.toOperators(func(*client) []byte { return ev })
	s.toCustomers(m.ConversationID, ev)
	if conv := s.data.conversations[m.ConversationID]; conv != nil {
		s.publishConversation(conv)
	}
}

func (s *Server) publishPayment(p *livechat.Payment) {
	items := make([]livechat.PaymentItem, 0, len(p.Items))
	for _, id := range p.Items {
		if it := s.data.paymentItems[id]; it != nil {
			items = append(items, *it)
		}
	}
	ev := paymentEvent(p, items, s.opts.InlinePaymentItems)
	s.toOperators(func(*client) []byte { return ev })
}

func (s *Server) handleOperator(c *client, cmd *command) {
	d := s.data
	switch cmd.Type {
	case "resyncReq":
		for _, conv := range d.conversationsSince(cmd.LastMessage) {
			c.enqueue(conversationEvent(conversationFor(conv, c)))
		}
	case "getMessage":
		if id, ok := cmd.intID(); ok {
			if m := d.messages[id]; m != nil {
				c.enqueue(messageEvent(m))
			}
		}
	case "getMessageEntities":
		if id, ok := cmd.intID(); ok && d.messages[id] != nil {
			e := d.entities[id]
			if e == nil {
				e = &livechat.MessageEntities{ID: id, Entities: []livechat.MessageEntity{}}
			}
			c.enqueue(entitiesEvent(e))
		}
	case "getConversation":
		if id, ok := cmd.intID(); ok {
			if conv := d.conversations[id]; conv != nil {
				c.enqueue(conversationEvent(conversationFor(conv, c)))
			}
		}
	case "getPayment":
		if id, ok := cmd.stringID(); ok {
			if p := d.payments[id]; p != nil {
				var items []livechat.PaymentItem
				for _, iid := range p.Items {
					if it := d.paymentItems[iid]; it != nil {
						items = append(items, *it)
					}
				}
				c.enqueue(paymentEvent(p, items, s.opts.InlinePaymentItems))
			}
		}
	case "getPaymentItem":
		if id, ok := cmd.intID(); ok {
			if it := d.paymentItems[id]; it != nil {
				c.enqueue(paymentItemEvent(it))
			}
		}
	case "getBooking":
		if id, ok := cmd.stringID(); ok {
			if b := d.bookings[id]; b != nil {
				c.enqueue(bookingEvent(b))
			}
		}
	case "getConversations":
		all := d.sortedConversations()
		if cmd.Offset < 0 || cmd.Offset >= len(all) {
			return
		}
		end := cmd.Offset + s.opts.PageSize
		if end > len(all) {
			end = len(all)
		}
		for _, conv := range all[cmd.Offset:end] {
			c.enqueue(conversationEvent(conversationFor(conv, c)))
		}
	case "msg":
		if s.conversationOr(c, cmd.CID) == nil {
			return
		}
		name := c.name
		m := d.addMessage(livechat.Message{
			ConversationID: cmd.CID,
			Direction:      livechat.DirectionToCustomer,
			Text:           cmd.Text,
			SentBy:         &name,
		})
		s.publishMessage(m)
	case "endConv":
		conv := s.conversationOr(c, cmd.CID)
		if conv == nil {
			return
		}
		conv.CurrentAgent = nil
		conv.AgentResponding = true
		m := d.addMessage(livechat.Message{
			ConversationID: cmd.CID,
			Direction:      livechat.DirectionToCustomer,
			Text:           "This conversation has ended.",
			End:            true,
		})
		s.publishMessage(m)
	case "takeOver":
		conv := s.conversationOr(c, cmd.CID)
		if conv == nil {
			return
		}
		name := c.name
		conv.CurrentAgent = &name
		conv.AgentResponding = false
		s.publishConversation(conv)
	case "finishConv":
		conv := s.conversationOr(c, cmd.CID)
		if conv == nil {
			return
		}
		conv.CurrentAgent = nil
		conv.AgentResponding = true
		s.publishConversation(conv)
	case "request_sign_in":
		if s.conversationOr(c, cmd.CID) == nil {
			return
		}
		req := livechat.RequestSignIn
		m := d.addMessage(livechat.Message{
			ConversationID: cmd.CID,
			Direction:      livechat.DirectionToCustomer,
			Text:           "Please sign in",
			Request:        &req,
		})
		s.publishMessage(m)
	case "typing_on", "typing_off":
		// recorded only
	case "attribute_update":
		conv := s.conversationOr(c, cmd.CID)
		if conv == nil {
			return
		}
		v := cmd.Value
		switch cmd.Attribute {
		case livechat.AttributeName:
			conv.CustomerName = v
		case livechat.AttributeEmail:
			conv.CustomerEmail = &v
		case livechat.AttributePhone:
			conv.CustomerPhone = &v
		default:
			c.enqueue(errorEvent("Unknown attribute " + cmd.Attribute))
			return
		}
		s.publishConversation(conv)
	case "requestPayment":
		if s.conversationOr(c, cmd.CID) == nil {
			return
		}
		if len(cmd.Items) == 0 {
			c.enqueue(errorEvent("A payment needs at least one item"))
			return
		}
		items := make([]livechat.PaymentItem, len(cmd.Items))
		total := 0.0
		for i, it := range cmd.Items {
			items[i] = livechat.PaymentItem{
				ItemType: it.ItemType,
				ItemData: it.ItemData,
				Title:    it.Title,
				Quantity: it.Quantity,
				Price:    it.Price,
			}
			price, _ := strconv.ParseFloat(it.Price, 64)
			total += price * float64(it.Quantity)
		}
		p := d.addPayment(livechat.Payment{
			ConversationID: cmd.CID,
			Total:          strconv.FormatFloat(total, 'f', 2, 64),
		}, items)
		s.publishPayment(p)
		pid := p.ID
		m := d.addMessage(livechat.Message{
			ConversationID: cmd.CID,
			Direction:      livechat.DirectionToCustomer,
			Text:           "Payment request",
			PaymentRequest: &pid,
		})
		s.publishMessage(m)
	case "bookRepair":
		conv := s.conversationOr(c, cmd.CID)
		if conv == nil {
			return
		}
		repair, ok := d.repairs[cmd.RID]
		if !ok {
			c.enqueue(errorEvent("Unknown repair " + strconv.FormatInt(cmd.RID, 10)))
			return
		}
		b := d.addBooking(livechat.Booking{ConversationID: cmd.CID, Time: cmd.Time, Repair: repair})
		ev := bookingEvent(b)
		s.toOperators(func(*client) []byte { return ev })
		s.publishConversation(conv)
	default:
		c.enqueue(errorEvent("Unknown command " + cmd.Type))
	}
}

func (s *Server) conversationOr(c *client, cid int64) *livechat.Conversation {
	conv := s.data.conversations[cid]
	if conv == nil {
		c.enqueue(errorEvent("Conversation " + strconv.FormatInt(cid, 10) + " not found"))
	}
	return conv
}

func (s *Server) handleCustomer(c *client, cmd *command) {
	d := s.data
	if !c.bound && cmd.Type != "resyncReq" {
		return
	}
	switch cmd.Type {
	case "resyncReq":
		cid, _, err := s.customerConversation(cmd.Token)
		conv := d.conversations[cid]
		if err != nil || conv == nil {
			s.logger.Info("customer_rejected", "error", err)
			c.close()
			return
		}
		c.cid, c.bound = cid, true
		c.enqueue(customerConversationEvent(conv))
	case "sendMessage":
		mid, _ := cmd.stringID()
		m := d.addMessage(livechat.Message{
			ConversationID: c.cid,
			MID:            mid,
			Direction:      livechat.DirectionFromCustomer,
			Text:           cmd.Content,
		})
		s.publishMessage(m)
	case "readMessage":
		id, ok := cmd.intID()
		m := d.messages[id]
		if !ok || m == nil || m.ConversationID != c.cid || m.Direction != livechat.DirectionToCustomer {
			return
		}
		m.State = livechat.MessageRead
		m.Read = true
		ev := messageEvent(m)
		s.toOperators(func(*client) []byte { return ev })
	case "getMessage":
		if id, ok := cmd.intID(); ok {
			if m := d.messages[id]; m != nil && m.ConversationID == c.cid {
				c.enqueue(messageEvent(m))
			}
		}
	}
}

// ============================================================================
// Seeding and inspection
// ============================================================================

// CreateChatSession creates a customer conversation and returns its token.
func (s *Server) CreateChatSession(name string) (string, int64, error) {
	s.mu.Lock()
	conv := s.data.addConversation(livechat.Conversation{
		Platform:     livechat.PlatformChat,
		CustomerName: name,
	})
	s.publishConversation(conv)
	s.mu.Unlock()

	tok, err := s.IssueToken(livechat.VariantCustomer, strconv.FormatInt(conv.ID, 10), name, s.opts.TokenTTL)
	if err != nil {
		return "", 0, err
	}
	return tok, conv.ID, nil
}

// AddConversation stores c, assigning an id when zero, and publishes it.
func (s *Server) AddConversation(c livechat.Conversation) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv := s.data.addConversation(c)
	s.publishConversation(conv)
	return conv.ID
}

// AddMessage stores m, appends it to its conversation and publishes it.
func (s *Server) AddMessage(m livechat.Message) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := s.data.addMessage(m)
	s.publishMessage(msg)
	return msg.ID
}

// StoreMessage stores m without publishing it, so clients only learn of
// it by fetching.
func (s *Server) StoreMessage(m livechat.Message) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.addMessage(m).ID
}

// SetEntities stores the annotations returned for a message.
func (s *Server) SetEntities(e livechat.MessageEntities) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.entities[e.ID] = &e
}

// AddPayment stores a payment and its items and publishes it.
func (s *Server) AddPayment(p livechat.Payment, items []livechat.PaymentItem) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	pay := s.data.addPayment(p, items)
	s.publishPayment(pay)
	return pay.ID
}

// AddRepair makes a repair bookable through bookRepair.
func (s *Server) AddRepair(r livechat.RepairDetails) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.repairs[r.ID] = r
}

// Push sends a raw event to every connected client.
func (s *Server) Push(event any) {
	data := encode(event)
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		c.enqueue(data)
	}
}

// Conversation returns the server's copy of a conversation.
func (s *Server) Conversation(id int64) (livechat.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c := s.data.conversations[id]; c != nil {
		return *c, true
	}
	return livechat.Conversation{}, false
}

// Received returns every command received so far.
func (s *Server) Received() []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Frame(nil), s.received...)
}

// Count returns how many received commands of type typ match pred. A nil
// pred matches all.
func (s *Server) Count(typ string, pred func(Frame) bool) int {
	n := 0
	for _, f := range s.Received() {
		if f.Type == typ && (pred == nil || pred(f)) {
			n++
		}
	}
	return n
}

// Connections returns the number of connected sockets.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// DropConnections closes every socket without a close handshake.
func (s *Server) DropConnections() {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}
