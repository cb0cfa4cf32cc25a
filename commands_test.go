package livechat

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

func TestOperatorCommands(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name string
		run  func(s *Session) error
		want map[string]any
	}{
		{"text", func(s *Session) error { return s.SendText(ctx, 3, "hello") },
			map[string]any{"type": "msg", "cid": float64(3), "text": "hello"}},
		{"end", func(s *Session) error { return s.EndConversation(ctx, 3) },
			map[string]any{"type": "endConv", "cid": float64(3)}},
		{"take over", func(s *Session) error { return s.TakeOver(ctx, 3) },
			map[string]any{"type": "takeOver", "cid": float64(3)}},
		{"hand back", func(s *Session) error { return s.HandBack(ctx, 3) },
			map[string]any{"type": "finishConv", "cid": float64(3)}},
		{"sign in", func(s *Session) error { return s.RequestSignIn(ctx, 3) },
			map[string]any{"type": "request_sign_in", "cid": float64(3)}},
		{"typing on", func(s *Session) error { return s.TypingOn(ctx, 3) },
			map[string]any{"type": "typing_on", "cid": float64(3)}},
		{"typing off", func(s *Session) error { return s.TypingOff(ctx, 3) },
			map[string]any{"type": "typing_off", "cid": float64(3)}},
		{"attribute", func(s *Session) error { return s.UpdateAttribute(ctx, 3, AttributeEmail, "a@b.c") },
			map[string]any{"type": "attribute_update", "cid": float64(3), "attribute": "email", "value": "a@b.c"}},
		{"book repair", func(s *Session) error { return s.BookRepair(ctx, 3, 12, "2024-01-01T10:00") },
			map[string]any{"type": "bookRepair", "cid": float64(3), "rid": float64(12), "time": "2024-01-01T10:00"}},
		{"page", func(s *Session) error { return s.GetConversations(ctx, 20) },
			map[string]any{"type": "getConversations", "offset": float64(20)}},
		{"payment", func(s *Session) error {
			return s.RequestPayment(ctx, 3, []PaymentRequestItem{{ItemType: "repair", ItemData: "12", Title: "Screen", Quantity: 1, Price: "89.00"}})
		}, map[string]any{"type": "requestPayment", "cid": float64(3), "items": []any{map[string]any{
			"item_type": "repair", "item_data": "12", "title": "Screen", "quantity": float64(1), "price": "89.00",
		}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, rec := newTestSession(t)
			if err := tt.run(s); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			frames := rec.all()
			if len(frames) != 1 || !reflect.DeepEqual(frames[0], tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, frames)
			}
		})
	}
}

func TestCommandsVariantChecks(t *testing.T) {
	ctx := context.Background()
	customer, crec := newTestSession(t, WithVariant(VariantCustomer))
	for name, err := range map[string]error{
		"take over":   customer.TakeOver(ctx, 1),
		"text":        customer.SendText(ctx, 1, "x"),
		"page":        customer.GetConversations(ctx, 0),
		"payment":     customer.RequestPayment(ctx, 1, []PaymentRequestItem{{Title: "x"}}),
		"attribute":   customer.UpdateAttribute(ctx, 1, AttributeName, "x"),
		"book repair": customer.BookRepair(ctx, 1, 1, "t"),
	} {
		if !errors.Is(err, ErrWrongVariant) {
			t.Errorf("%s: expected ErrWrongVariant, got %v", name, err)
		}
	}
	if len(crec.all()) != 0 {
		t.Fatalf("rejected commands must not be sent, got %v", crec.summary())
	}

	operator, _ := newTestSession(t)
	if _, err := operator.SendMessage(ctx, "x"); !errors.Is(err, ErrWrongVariant) {
		t.Errorf("expected ErrWrongVariant, got %v", err)
	}
	if err := operator.ReadMessage(ctx, 1); !errors.Is(err, ErrWrongVariant) {
		t.Errorf("expected ErrWrongVariant, got %v", err)
	}
}

func TestRequestPaymentNeedsItems(t *testing.T) {
	s, rec := newTestSession(t)
	if err := s.RequestPayment(context.Background(), 1, nil); err == nil {
		t.Fatal("expected error for empty payment")
	}
	if len(rec.all()) != 0 {
		t.Fatal("nothing should be sent")
	}
}

func TestSendRaw(t *testing.T) {
	s, rec := newTestSession(t)
	if err := s.Send(context.Background(), Command{"text": "no type"}); err == nil {
		t.Fatal("expected error for untyped command")
	}
	if err := s.Send(context.Background(), Command{"type": "getConversation", "id": 4}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := rec.summary(); !reflect.DeepEqual(got, []string{"getConversation:4"}) {
		t.Fatalf("unexpected frames %v", got)
	}
}

// ============================================================================
// Customer outbox
// ============================================================================

func TestSendMessageOutbox(t *testing.T) {
	ctx := context.Background()

	t.Run("echo clears outbox", func(t *testing.T) {
		s, rec := newTestSession(t, WithVariant(VariantCustomer), WithToken("t"))
		changes := collectChanges(s)

		mid, err := s.SendMessage(ctx, "my phone broke")
		if err != nil {
			t.Fatalf("send: %v", err)
		}
		frames := rec.all()
		want := map[string]any{"type": "sendMessage", "content": "my phone broke", "id": mid}
		if len(frames) != 1 || !reflect.DeepEqual(frames[0], want) {
			t.Fatalf("expected %v, got %v", want, frames)
		}
		out := s.Outbox()
		if len(out) != 1 || out[0].MID != mid || out[0].Text != "my phone broke" {
			t.Fatalf("unexpected outbox %+v", out)
		}

		// An unrelated message leaves the outbox alone.
		s.HandleMessage(mustEvent(t, "message", Message{ID: 1, MID: "other", Timestamp: 1, Direction: DirectionToCustomer}))
		if len(s.Outbox()) != 1 {
			t.Fatal("expected outbox to keep the pending send")
		}

		s.HandleMessage(mustEvent(t, "message", Message{ID: 2, MID: mid, Timestamp: 2, Direction: DirectionFromCustomer, Text: "my phone broke"}))
		if len(s.Outbox()) != 0 {
			t.Fatalf("expected empty outbox, got %+v", s.Outbox())
		}
		var outboxChanges int
		for _, c := range *changes {
			if c.Type == ChangeOutbox && c.ID == mid {
				outboxChanges++
			}
		}
		if outboxChanges != 2 {
			t.Fatalf("expected outbox change on send and echo, got %d", outboxChanges)
		}
	})

	t.Run("failed send is dropped", func(t *testing.T) {
		s, rec := newTestSession(t, WithVariant(VariantCustomer))
		rec.fail(ErrBackpressure)
		if _, err := s.SendMessage(ctx, "hi"); !errors.Is(err, ErrBackpressure) {
			t.Fatalf("expected ErrBackpressure, got %v", err)
		}
		if len(s.Outbox()) != 0 {
			t.Fatal("failed send must leave the outbox")
		}
	})

	t.Run("distinct mids", func(t *testing.T) {
		s, _ := newTestSession(t, WithVariant(VariantCustomer))
		a, _ := s.SendMessage(ctx, "a")
		b, _ := s.SendMessage(ctx, "b")
		if a == b || a == "" {
			t.Fatalf("expected distinct mids, got %q %q", a, b)
		}
	})
}

// ============================================================================
// Pager
// ============================================================================

func TestLoadOlderConversations(t *testing.T) {
	ctx := context.Background()
	s, rec := newTestSession(t)
	s.HandleMessage(mustEvent(t, "conversation", Conversation{ID: 9}))
	s.HandleMessage(mustEvent(t, "conversation", Conversation{ID: 8}))

	sent, err := s.LoadOlderConversations(ctx)
	if err != nil || !sent {
		t.Fatalf("expected page request, got %v %v", sent, err)
	}
	if sent, _ := s.LoadOlderConversations(ctx); sent {
		t.Fatal("a second page must wait for the first")
	}
	frames := rec.all()
	if len(frames) != 1 || frames[0]["offset"] != float64(2) {
		t.Fatalf("expected one page request at offset 2, got %v", frames)
	}

	s.HandleMessage(mustEvent(t, "conversation", Conversation{ID: 7}))
	if sent, _ := s.LoadOlderConversations(ctx); !sent {
		t.Fatal("a conversation event must release the pager")
	}
	if got := rec.all()[1]["offset"]; got != float64(3) {
		t.Fatalf("expected offset 3, got %v", got)
	}

	// A reopen also releases it, even if the page never arrived.
	s.HandleOpen(ctx)
	if sent, _ := s.LoadOlderConversations(ctx); !sent {
		t.Fatal("reopen must release the pager")
	}
}

func TestLoadOlderConversationsFailure(t *testing.T) {
	s, rec := newTestSession(t)
	rec.fail(ErrNotConnected)
	if _, err := s.LoadOlderConversations(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	rec.fail(nil)
	if sent, err := s.LoadOlderConversations(context.Background()); !sent || err != nil {
		t.Fatalf("failed request must release the pager, got %v %v", sent, err)
	}
}

// ============================================================================
// Read receipts
// ============================================================================

func TestMessageVisible(t *testing.T) {
	ctx := context.Background()
	newCustomer := func(t *testing.T) (*Session, *recorder) {
		s, rec := newTestSession(t, WithVariant(VariantCustomer), WithToken("t"))
		s.HandleMessage(mustEvent(t, "message", Message{ID: 1, Direction: DirectionToCustomer, State: MessageDelivered, Timestamp: 1}))
		s.HandleMessage(mustEvent(t, "message", Message{ID: 2, Direction: DirectionFromCustomer, Timestamp: 2}))
		s.HandleMessage(mustEvent(t, "message", Message{ID: 3, Direction: DirectionToCustomer, State: MessageRead, Timestamp: 3}))
		rec.reset()
		return s, rec
	}

	t.Run("once per connection", func(t *testing.T) {
		s, rec := newCustomer(t)
		for i := 0; i < 3; i++ {
			if err := s.MessageVisible(ctx, 1); err != nil {
				t.Fatalf("visible: %v", err)
			}
		}
		if got := rec.summary(); !reflect.DeepEqual(got, []string{"readMessage:1"}) {
			t.Fatalf("expected one receipt, got %v", got)
		}

		s.HandleOpen(ctx)
		rec.reset()
		s.MessageVisible(ctx, 1)
		if got := rec.summary(); !reflect.DeepEqual(got, []string{"readMessage:1"}) {
			t.Fatalf("expected a receipt after reopen, got %v", got)
		}
	})

	t.Run("skips customer and read messages", func(t *testing.T) {
		s, rec := newCustomer(t)
		s.MessageVisible(ctx, 2)
		s.MessageVisible(ctx, 3)
		if len(rec.all()) != 0 {
			t.Fatalf("expected no receipts, got %v", rec.summary())
		}
	})

	t.Run("unloaded message is fetched first", func(t *testing.T) {
		s, rec := newCustomer(t)
		s.MessageVisible(ctx, 9)
		if got := rec.summary(); !reflect.DeepEqual(got, []string{"getMessage:9"}) {
			t.Fatalf("expected fetch, got %v", got)
		}
	})

	t.Run("operator never sends receipts", func(t *testing.T) {
		s, rec := newTestSession(t)
		s.HandleMessage(mustEvent(t, "conversation", Conversation{ID: 0}))
		s.HandleMessage(mustEvent(t, "message", Message{ID: 1, Direction: DirectionToCustomer, Timestamp: 1}))
		rec.reset()
		s.MessageVisible(ctx, 1)
		if len(rec.all()) != 0 {
			t.Fatalf("expected no receipts, got %v", rec.summary())
		}
	})

	t.Run("failed receipt is retried", func(t *testing.T) {
		s, rec := newCustomer(t)
		rec.fail(ErrNotConnected)
		if err := s.MessageVisible(ctx, 1); !errors.Is(err, ErrNotConnected) {
			t.Fatalf("expected ErrNotConnected, got %v", err)
		}
		rec.fail(nil)
		s.MessageVisible(ctx, 1)
		if got := rec.summary(); !reflect.DeepEqual(got, []string{"readMessage:1"}) {
			t.Fatalf("expected retried receipt, got %v", got)
		}
	})
}
