package settlement

import "sync"

// transcriptStore keeps the most recent transcripts. Inserting beyond
// capacity evicts the oldest; the ledger remains the record for evicted calls.
type transcriptStore struct {
	mu   sync.RWMutex
	byID map[string]*Transcript
	ring []string
	next int
}

func newTranscriptStore(capacity int) *transcriptStore {
	if capacity < 1 {
		capacity = 1
	}
	return &transcriptStore{
		byID: make(map[string]*Transcript, capacity),
		ring: make([]string, capacity),
	}
}

// save stores a copy of t. Fields written by other paths (webhook flag,
// settlement outcome, reputation snapshot) survive a stale write.
func (s *transcriptStore) save(t *Transcript) {
	cp := t.clone()
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.byID[t.CallID]; ok {
		cp.WebhookVerified = cp.WebhookVerified || old.WebhookVerified
		if cp.Reputation == nil {
			cp.Reputation = old.Reputation
		}
		if cp.Outcome == OutcomePending && old.Outcome != OutcomePending {
			cp.Outcome = old.Outcome
		}
		if cp.Tx.Settle == "" {
			cp.Tx.Settle = old.Tx.Settle
		}
		s.byID[t.CallID] = cp
		return
	}

	if evict := s.ring[s.next]; evict != "" {
		delete(s.byID, evict)
	}
	s.ring[s.next] = t.CallID
	s.next = (s.next + 1) % len(s.ring)
	s.byID[t.CallID] = cp
}

func (s *transcriptStore) get(callID string) (*Transcript, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.byID[callID]
	if !ok {
		return nil, false
	}
	return t.clone(), true
}

// update applies fn to the stored transcript and returns the result.
func (s *transcriptStore) update(callID string, fn func(*Transcript)) (*Transcript, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byID[callID]
	if !ok {
		return nil, false
	}
	fn(t)
	return t.clone(), true
}

// recent returns up to n transcripts, newest first.
func (s *transcriptStore) recent(n int) []*Transcript {
	s.mu.RLock()
	defer s.mu.RUnlock()
	size := len(s.ring)
	if n <= 0 || n > size {
		n = size
	}
	out := make([]*Transcript, 0, n)
	for i := 1; i <= size && len(out) < n; i++ {
		id := s.ring[(s.next-i+size)%size]
		if id == "" {
			break
		}
		out = append(out, s.byID[id].clone())
	}
	return out
}

func (s *transcriptStore) count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}
