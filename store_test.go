package livechat

import (
	"reflect"
	"testing"
)

type fetchLog[K comparable] struct {
	ids []K
}

func (f *fetchLog[K]) request(id K) { f.ids = append(f.ids, id) }

func newTestStore() (*Store[int64, Message], *fetchLog[int64], *[]Change) {
	log := &fetchLog[int64]{}
	var changes []Change
	s := newStore[int64, Message](KindMessage, log.request, func(c Change) { changes = append(changes, c) }, nil)
	return s, log, &changes
}

// ============================================================================
// Pending-Fetch Tracker
// ============================================================================

func TestStoreLoad(t *testing.T) {
	t.Run("fetches once while pending", func(t *testing.T) {
		s, log, _ := newTestStore()
		for i := 0; i < 3; i++ {
			if s.Load(7) {
				t.Fatal("expected id 7 to be unloaded")
			}
		}
		if !reflect.DeepEqual(log.ids, []int64{7}) {
			t.Fatalf("expected one fetch for 7, got %v", log.ids)
		}
		if !s.IsPending(7) {
			t.Fatal("expected 7 to be pending")
		}
	})

	t.Run("distinct ids fetch independently", func(t *testing.T) {
		s, log, _ := newTestStore()
		s.Load(1)
		s.Load(2)
		s.Load(1)
		if !reflect.DeepEqual(log.ids, []int64{1, 2}) {
			t.Fatalf("expected fetches [1 2], got %v", log.ids)
		}
		if !reflect.DeepEqual(s.Pending(), []int64{1, 2}) {
			t.Fatalf("expected pending [1 2], got %v", s.Pending())
		}
	})

	t.Run("hydrate clears pending", func(t *testing.T) {
		s, log, _ := newTestStore()
		s.Load(7)
		s.hydrate(7, Message{ID: 7, Text: "hi"})
		if s.IsPending(7) {
			t.Fatal("expected 7 to leave the pending set")
		}
		if !s.Load(7) {
			t.Fatal("expected 7 to be loaded")
		}
		if len(log.ids) != 1 {
			t.Fatalf("expected no fetch after hydration, got %v", log.ids)
		}
	})

	t.Run("hydrate without request", func(t *testing.T) {
		s, log, _ := newTestStore()
		s.hydrate(3, Message{ID: 3})
		if !s.IsLoaded(3) || s.IsPending(3) {
			t.Fatal("expected 3 loaded and not pending")
		}
		if len(log.ids) != 0 {
			t.Fatalf("expected no fetch, got %v", log.ids)
		}
	})

	t.Run("hydrate replaces", func(t *testing.T) {
		s, _, _ := newTestStore()
		s.hydrate(3, Message{ID: 3, Text: "old"})
		s.hydrate(3, Message{ID: 3, Text: "new"})
		m, ok := s.Peek(3)
		if !ok || m.Text != "new" {
			t.Fatalf("expected replaced text, got %q ok=%v", m.Text, ok)
		}
		if s.Len() != 1 {
			t.Fatalf("expected 1 id, got %d", s.Len())
		}
	})
}

func TestStoreRefAndPeek(t *testing.T) {
	s, log, _ := newTestStore()

	r := s.Ref(9)
	if r.ID() != 9 || !r.Valid() {
		t.Fatalf("unexpected ref %+v", r)
	}
	if _, ok := s.Peek(9); ok {
		t.Fatal("expected 9 to be unloaded")
	}
	if r.IsLoaded() {
		t.Fatal("expected ref to be unloaded")
	}
	if len(log.ids) != 0 {
		t.Fatalf("Ref and Peek must not fetch, got %v", log.ids)
	}
	if got := s.IDs(); !reflect.DeepEqual(got, []int64{9}) {
		t.Fatalf("expected known ids [9], got %v", got)
	}

	if r.EnsureLoaded() != LoadPending {
		t.Fatal("expected pending load state")
	}
	s.hydrate(9, Message{ID: 9, Text: "x"})
	if r.EnsureLoaded() != LoadReady {
		t.Fatal("expected ready load state")
	}
	if m, ok := r.Get(); !ok || m.Text != "x" {
		t.Fatalf("unexpected Get result %+v %v", m, ok)
	}

	var zero Ref[int64, Message]
	if zero.Valid() || zero.Load() {
		t.Fatal("zero ref must be invalid and unloaded")
	}
}

func TestStoreOrder(t *testing.T) {
	s, _, _ := newTestStore()
	s.Ref(3)
	s.hydrate(1, Message{ID: 1})
	s.Ref(2)
	s.hydrate(3, Message{ID: 3})

	if got := s.IDs(); !reflect.DeepEqual(got, []int64{3, 1, 2}) {
		t.Fatalf("expected first-reference order [3 1 2], got %v", got)
	}
	var loaded []int64
	for _, m := range s.Loaded() {
		loaded = append(loaded, m.ID)
	}
	if !reflect.DeepEqual(loaded, []int64{3, 1}) {
		t.Fatalf("expected loaded [3 1], got %v", loaded)
	}
}

func TestStoreRemove(t *testing.T) {
	s, log, changes := newTestStore()
	s.Load(4)
	if !s.remove(4) {
		t.Fatal("expected remove to find 4")
	}
	if s.IsPending(4) || s.Len() != 0 {
		t.Fatal("expected 4 forgotten")
	}
	if s.remove(4) {
		t.Fatal("second remove must report false")
	}

	// A forgotten id can be fetched again.
	s.Load(4)
	if !reflect.DeepEqual(log.ids, []int64{4, 4}) {
		t.Fatalf("expected two fetches, got %v", log.ids)
	}

	want := []Change{{Type: ChangeRemoved, Kind: KindMessage, ID: "4"}}
	if !reflect.DeepEqual(*changes, want) {
		t.Fatalf("expected %v, got %v", want, *changes)
	}
}

func TestStoreReplayPending(t *testing.T) {
	s, log, _ := newTestStore()
	s.Load(5)
	s.Load(6)
	s.hydrate(5, Message{ID: 5})

	replay := s.pendingReplay()
	s.Load(7)
	n := replay()
	if n != 1 {
		t.Fatalf("expected 1 replayed fetch, got %d", n)
	}
	if !reflect.DeepEqual(log.ids, []int64{5, 6, 7, 6}) {
		t.Fatalf("expected replay of 6 only, got %v", log.ids)
	}
	if !s.IsPending(6) || !s.IsPending(7) {
		t.Fatal("replayed and later ids must stay pending")
	}

	// Ids hydrated between the capture and the replay are skipped.
	replay = s.pendingReplay()
	s.hydrate(6, Message{ID: 6})
	if n := replay(); n != 1 {
		t.Fatalf("expected only 7 replayed, got %d", n)
	}
}

func TestStoreNotifies(t *testing.T) {
	s, _, changes := newTestStore()
	s.Load(1)
	if len(*changes) != 0 {
		t.Fatalf("a fetch must not notify, got %v", *changes)
	}
	s.hydrate(1, Message{ID: 1})
	want := Change{Type: ChangeHydrated, Kind: KindMessage, ID: "1"}
	if len(*changes) != 1 || (*changes)[0] != want {
		t.Fatalf("expected %+v, got %v", want, *changes)
	}
}
