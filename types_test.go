package livechat

import (
	"encoding/json"
	"testing"
	"time"
)

func TestPaymentUnmarshal(t *testing.T) {
	t.Run("ids", func(t *testing.T) {
		var p Payment
		if err := json.Unmarshal([]byte(`{"id":"p","state":"P","total":"5.00","items":[3,4]}`), &p); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if p.ID != "p" || p.State != PaymentPaid || len(p.Items) != 2 || p.Items[1] != 4 || len(p.inline) != 0 {
			t.Fatalf("unexpected payment %+v", p)
		}
	})

	t.Run("objects", func(t *testing.T) {
		var p Payment
		if err := json.Unmarshal([]byte(`{"id":"p","items":[{"id":3,"title":"A","quantity":2,"price":"1.00"}]}`), &p); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if len(p.Items) != 1 || p.Items[0] != 3 || len(p.inline) != 1 || p.inline[0].PaymentID != "p" {
			t.Fatalf("unexpected payment %+v", p)
		}
	})

	t.Run("no items", func(t *testing.T) {
		var p Payment
		if err := json.Unmarshal([]byte(`{"id":"p"}`), &p); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if len(p.Items) != 0 {
			t.Fatalf("expected no items, got %v", p.Items)
		}
	})

	t.Run("bad item", func(t *testing.T) {
		var p Payment
		if err := json.Unmarshal([]byte(`{"id":"p","items":["x"]}`), &p); err == nil {
			t.Fatal("expected error for string item")
		}
	})
}

func TestConversationMergeUnmarshal(t *testing.T) {
	for _, raw := range []string{`{"id":1,"nid":2}`, `{"cid":1,"ncid":2}`} {
		var m ConversationMerge
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			t.Fatalf("%s: %v", raw, err)
		}
		if m.ID != 1 || m.NID != 2 {
			t.Fatalf("%s: unexpected merge %+v", raw, m)
		}
	}
}

func TestBookingScheduledAt(t *testing.T) {
	want := time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC)
	for _, raw := range []string{"2024-03-01T10:30:00Z", "2024-03-01T10:30:00", "2024-03-01T10:30:00.000000"} {
		b := Booking{Time: raw}
		got, err := b.ScheduledAt()
		if err != nil || !got.Equal(want) {
			t.Errorf("%s: got %v %v", raw, got, err)
		}
	}
	if _, err := (&Booking{Time: "soon"}).ScheduledAt(); err == nil {
		t.Error("expected error for unparseable time")
	}
}

func TestKindFetchType(t *testing.T) {
	seen := map[string]bool{}
	for _, k := range Kinds {
		ft := k.fetchType()
		if ft == "" || seen[ft] {
			t.Fatalf("kind %s has bad fetch type %q", k, ft)
		}
		seen[ft] = true
	}
	if Kind("nope").fetchType() != "" {
		t.Fatal("unknown kind must have no fetch type")
	}
}

func TestDirection(t *testing.T) {
	if !DirectionFromCustomer.Inbound() || DirectionToCustomer.Inbound() {
		t.Fatal("O is inbound from the customer, I is outbound")
	}
}

func TestAPIError(t *testing.T) {
	err := &APIError{Code: "HTTP_404", Message: "not found"}
	if err.Error() == "" {
		t.Fatal("expected message")
	}
}
