package livechat

import (
	"context"
	"testing"
	"time"
)

func TestEvaluate(t *testing.T) {
	base := time.Unix(1700000000, 0)
	taken := Conversation{ID: 1, Platform: PlatformFacebook, CurrentUserResponding: true}
	inbound := func(ts time.Time) Message {
		return Message{Direction: DirectionFromCustomer, Timestamp: ts.Unix()}
	}
	outbound := func(ts time.Time) Message {
		return Message{Direction: DirectionToCustomer, Timestamp: ts.Unix()}
	}

	tests := []struct {
		name string
		conv Conversation
		msgs []Message
		now  time.Time
		want Eligibility
	}{
		{
			name: "inside window",
			conv: taken,
			msgs: []Message{inbound(base)},
			now:  base.Add(23*time.Hour + 59*time.Minute),
			want: CanMessage,
		},
		{
			name: "window expired",
			conv: taken,
			msgs: []Message{inbound(base)},
			now:  base.Add(24*time.Hour + time.Second),
			want: CanViewOnly,
		},
		{
			name: "reply after last inbound closes window",
			conv: taken,
			msgs: []Message{inbound(base), outbound(base.Add(time.Minute))},
			now:  base.Add(time.Hour),
			want: CanViewOnly,
		},
		{
			name: "customer writes again",
			conv: taken,
			msgs: []Message{inbound(base), outbound(base.Add(time.Minute)), inbound(base.Add(2 * time.Minute))},
			now:  base.Add(time.Hour),
			want: CanMessage,
		},
		{
			name: "no inbound message",
			conv: taken,
			msgs: []Message{outbound(base)},
			now:  base,
			want: CanViewOnly,
		},
		{
			name: "google actions never interactive",
			conv: Conversation{Platform: PlatformGoogleActions, CurrentUserResponding: true},
			msgs: []Message{inbound(base)},
			now:  base,
			want: CannotInteract,
		},
		{
			name: "unwindowed platform ignores time",
			conv: Conversation{Platform: PlatformChat, CurrentUserResponding: true},
			msgs: nil,
			now:  base.Add(100 * time.Hour),
			want: CanMessage,
		},
		{
			name: "bot still responding",
			conv: Conversation{Platform: PlatformChat, CurrentUserResponding: true, AgentResponding: true},
			now:  base,
			want: CanViewOnly,
		},
		{
			name: "another operator responding",
			conv: Conversation{Platform: PlatformChat},
			now:  base,
			want: CanViewOnly,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Evaluate(tt.conv, tt.msgs, tt.now); got != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestConversationRefEligibility(t *testing.T) {
	s, rec := newTestSession(t)
	now := time.Unix(1700000000, 0)

	if _, ok := s.Conversation(1).Eligibility(now); ok {
		t.Fatal("expected unloaded conversation")
	}
	if rec.count("getConversation") != 1 {
		t.Fatalf("expected conversation fetch, got %v", rec.summary())
	}

	s.HandleMessage(mustEvent(t, "conversation", Conversation{ID: 1, Platform: PlatformFacebook, Messages: []int64{1}}))
	if e, ok := s.Conversation(1).Eligibility(now); ok || e != CanViewOnly {
		t.Fatalf("expected view only and not ready while message unloaded, got %s %v", e, ok)
	}
	if rec.count("getMessage") != 1 {
		t.Fatalf("expected message fetch, got %v", rec.summary())
	}

	s.HandleMessage(mustEvent(t, "message", Message{ID: 1, ConversationID: 1, Direction: DirectionFromCustomer, Timestamp: now.Add(-time.Hour).Unix()}))
	if s.Conversation(1).CanMessage(now) {
		t.Fatal("flags must come from a conversation event, not from the command")
	}

	// Take-over only applies once the server confirms it.
	if err := s.TakeOver(context.Background(), 1); err != nil {
		t.Fatalf("take over: %v", err)
	}
	if s.Conversation(1).CanMessage(now) {
		t.Fatal("take over must not change local state")
	}
	s.HandleMessage(mustEvent(t, "conversation", Conversation{ID: 1, Platform: PlatformFacebook, CurrentUserResponding: true, Messages: []int64{1}}))
	if !s.Conversation(1).CanMessage(now) {
		t.Fatal("expected can message after confirmation")
	}
	if s.Conversation(1).CanMessage(now.Add(24 * time.Hour)) {
		t.Fatal("window is evaluated against now on every call")
	}
}

func TestEligibilityWaitsForEveryMessage(t *testing.T) {
	s, rec := newTestSession(t)
	now := time.Unix(1700000000, 0)

	s.HandleMessage(mustEvent(t, "conversation", Conversation{ID: 1, Platform: PlatformFacebook, CurrentUserResponding: true, Messages: []int64{1, 2}}))
	s.HandleMessage(mustEvent(t, "message", Message{ID: 1, ConversationID: 1, Direction: DirectionFromCustomer, Timestamp: now.Add(-time.Hour).Unix()}))

	// A later reply that is still loading may close the window.
	if e, ok := s.Conversation(1).Eligibility(now); ok || e != CanViewOnly {
		t.Fatalf("expected not ready while message 2 unloaded, got %s %v", e, ok)
	}
	if s.Conversation(1).CanMessage(now) {
		t.Fatal("an unloaded message must not read as can message")
	}
	if rec.count("getMessage") != 1 {
		t.Fatalf("expected one fetch for message 2, got %v", rec.summary())
	}

	s.HandleMessage(mustEvent(t, "message", Message{ID: 2, ConversationID: 1, Direction: DirectionToCustomer, Timestamp: now.Add(-30 * time.Minute).Unix()}))
	if e, ok := s.Conversation(1).Eligibility(now); !ok || e != CanViewOnly {
		t.Fatalf("expected view only after outbound reply, got %s %v", e, ok)
	}
}

func TestEligibilityString(t *testing.T) {
	for e, want := range map[Eligibility]string{
		CannotInteract:  "cannot_interact",
		CanViewOnly:     "can_view_only",
		CanMessage:      "can_message",
		Eligibility(42): "unknown",
	} {
		if e.String() != want {
			t.Errorf("expected %s, got %s", want, e.String())
		}
	}
}
