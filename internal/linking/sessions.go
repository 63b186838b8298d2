package linking

import (
	"context"
	"sync"
	"time"

	"github.com/basket/taskbot/internal/otel"
)

const DefaultSessionTTL = 5 * time.Minute

type session struct {
	state    State
	deadline time.Time
	failures int
}

// Sessions is the in-memory table of linking conversations, one per chat
// identity. Idle identities have no entry. An expired entry is removed by
// whichever of Get or Expire sees it first, so a timeout is reported once.
type Sessions struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	metrics *otel.Metrics
	byID    map[string]session
}

func NewSessions(ttl time.Duration, now func() time.Time, metrics *otel.Metrics) *Sessions {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	if now == nil {
		now = time.Now
	}
	return &Sessions{ttl: ttl, now: now, metrics: metrics, byID: make(map[string]session)}
}

// Get returns the current state for chatIdentity. When the session had
// timed out it is removed and expired is true; state is then Idle.
func (s *Sessions) Get(chatIdentity string) (state State, expired bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.byID[chatIdentity]
	if !ok {
		return Idle, false
	}
	if !s.now().Before(sess.deadline) {
		delete(s.byID, chatIdentity)
		s.metrics.LinkSessionClosed(context.Background())
		return Idle, true
	}
	return sess.state, false
}

// Set moves chatIdentity to state and restarts its inactivity deadline.
// Idle removes the entry. The failed code count survives only while the
// state stays the same.
func (s *Sessions) Set(chatIdentity string, state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, existed := s.byID[chatIdentity]
	if state == Idle {
		if existed {
			delete(s.byID, chatIdentity)
			s.metrics.LinkSessionClosed(context.Background())
		}
		return
	}
	next := session{state: state, deadline: s.now().Add(s.ttl)}
	if existed && prev.state == state {
		next.failures = prev.failures
	}
	s.byID[chatIdentity] = next
	if !existed {
		s.metrics.LinkSessionOpened(context.Background())
	}
}

// FailCode counts a wrong code for chatIdentity and returns the total for
// the current session. It returns 0 when there is no session.
func (s *Sessions) FailCode(chatIdentity string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.byID[chatIdentity]
	if !ok {
		return 0
	}
	sess.failures++
	s.byID[chatIdentity] = sess
	return sess.failures
}

// Expire removes every timed-out session and returns their identities.
func (s *Sessions) Expire() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var out []string
	for id, sess := range s.byID {
		if !now.Before(sess.deadline) {
			delete(s.byID, id)
			s.metrics.LinkSessionClosed(context.Background())
			out = append(out, id)
		}
	}
	return out
}

func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}
