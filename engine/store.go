package engine

import "sync"

// Session tracks one user's progress through the intake form. Index
// points at the question awaiting an answer; Answers is keyed by
// question key.
type Session struct {
	UserID  string
	Index   int
	Answers map[string]string
}

// Store holds every in-flight session for the lifetime of the process.
// Sessions do not survive a restart.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*Session
	locks    map[string]*userLock
}

// userLock serializes turns for one user. refs counts holders and
// waiters so the entry can be reclaimed once the last one releases.
type userLock struct {
	mu   sync.Mutex
	refs int
}

func NewStore() *Store {
	return &Store{
		sessions: make(map[string]*Session),
		locks:    make(map[string]*userLock),
	}
}

// Acquire blocks until the caller owns the user's critical section and
// returns the release func. Different users proceed concurrently;
// turns for the same user run one at a time. Lock entries are
// reference counted and dropped on the last release, so the map only
// tracks users with a turn in flight.
func (s *Store) Acquire(userID string) (release func()) {
	s.mu.Lock()
	l, ok := s.locks[userID]
	if !ok {
		l = &userLock{}
		s.locks[userID] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, userID)
		}
		s.mu.Unlock()
	}
}

// Get returns the session for userID. The caller must hold the user's
// lock before mutating the returned session.
func (s *Store) Get(userID string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[userID]
	return sess, ok
}

func (s *Store) Put(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.UserID] = sess
}

func (s *Store) Delete(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, userID)
}

// Len reports the number of active sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
