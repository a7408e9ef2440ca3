package camera

import "time"

// Store is the persistence abstraction for proxy sessions.
// The Registry serialises every call; implementations need no locking of their own.
type Store interface {
	Get(id string) (Session, bool)
	Put(s Session)
	Delete(id string)
	// DeleteExpired removes every session whose expiry is at or before now and
	// returns how many were removed.
	DeleteExpired(now time.Time) int
	Len() int
}

// InMemoryStore is a map-backed Store. Sessions share one TTL, so they expire
// in insertion order and purging only ever inspects the head of a FIFO queue.
type InMemoryStore struct {
	sessions map[string]Session
	queue    []string
	head     int
}

// NewInMemoryStore returns a new empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{sessions: make(map[string]Session)}
}

// Get implements Store.Get.
func (s *InMemoryStore) Get(id string) (Session, bool) {
	sess, ok := s.sessions[id]
	return sess, ok
}

// Put implements Store.Put.
func (s *InMemoryStore) Put(sess Session) {
	if _, exists := s.sessions[sess.ID]; !exists {
		s.queue = append(s.queue, sess.ID)
	}
	s.sessions[sess.ID] = sess
}

// Delete implements Store.Delete. The queue entry is dropped lazily.
func (s *InMemoryStore) Delete(id string) {
	delete(s.sessions, id)
}

// DeleteExpired implements Store.DeleteExpired.
func (s *InMemoryStore) DeleteExpired(now time.Time) int {
	n := 0
	for s.head < len(s.queue) {
		id := s.queue[s.head]
		sess, ok := s.sessions[id]
		if ok && now.Before(sess.ExpiresAt) {
			break
		}
		if ok {
			delete(s.sessions, id)
			n++
		}
		s.queue[s.head] = ""
		s.head++
	}
	s.compact()
	return n
}

// Len implements Store.Len.
func (s *InMemoryStore) Len() int {
	return len(s.sessions)
}

// compact releases the consumed prefix of the queue once it dominates.
func (s *InMemoryStore) compact() {
	if s.head == 0 || s.head < len(s.queue)/2 {
		return
	}
	live := copy(s.queue, s.queue[s.head:])
	s.queue = s.queue[:live]
	s.head = 0
}
