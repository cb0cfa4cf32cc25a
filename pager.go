package livechat

import "context"

// LoadOlderConversations asks the server for the page of conversations after
// the ones already known. At most one page request is in flight per
// connection; it is released when a conversation arrives or the channel
// reopens. It reports whether a request was sent.
func (s *Session) LoadOlderConversations(ctx context.Context) (bool, error) {
	s.mu.Lock()
	if s.paging {
		s.mu.Unlock()
		return false, nil
	}
	s.paging = true
	s.mu.Unlock()

	if err := s.GetConversations(ctx, s.Conversations.Len()); err != nil {
		s.releasePage()
		return false, err
	}
	return true, nil
}

func (s *Session) releasePage() {
	s.mu.Lock()
	s.paging = false
	s.mu.Unlock()
}
