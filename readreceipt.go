package livechat

import "context"

// MessageVisible is called when message id scrolls into view. It loads the
// message and, for an unread operator message in a customer session, sends
// one read receipt per connection.
func (s *Session) MessageVisible(ctx context.Context, id int64) error {
	m, ok := s.Messages.Get(id)
	if !ok || s.variant != VariantCustomer {
		return nil
	}
	if m.Direction.Inbound() || m.State == MessageRead {
		return nil
	}

	s.mu.Lock()
	if _, sent := s.readSent[id]; sent {
		s.mu.Unlock()
		return nil
	}
	s.readSent[id] = struct{}{}
	s.mu.Unlock()

	if err := s.ReadMessage(ctx, id); err != nil {
		s.mu.Lock()
		delete(s.readSent, id)
		s.mu.Unlock()
		return err
	}
	return nil
}
