package provider

import (
	"sync"

	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow/types/events"
)

// queueBacklog bounds how many undelivered events one user may have
// queued before new ones are dropped.
const queueBacklog = 64

// userQueues fans inbound events out to one serial worker per user, so
// a user's events are handled in arrival order even when a turn is
// slow (media download, external calls), while other users' events
// proceed in parallel. Workers exit and their queues are reclaimed
// once a user's backlog drains.
type userQueues struct {
	handler func(*events.Message)
	log     zerolog.Logger

	mu     sync.Mutex
	queues map[string]chan *events.Message
}

func newUserQueues(handler func(*events.Message), log zerolog.Logger) *userQueues {
	return &userQueues{
		handler: handler,
		log:     log,
		queues:  make(map[string]chan *events.Message),
	}
}

// Enqueue hands an event to userID's worker, starting one if needed.
// The send happens under the map lock so an event can never land on a
// queue a draining worker has already abandoned.
func (u *userQueues) Enqueue(userID string, v *events.Message) {
	u.mu.Lock()
	q, ok := u.queues[userID]
	if !ok {
		q = make(chan *events.Message, queueBacklog)
		u.queues[userID] = q
		go u.drain(userID, q)
	}
	select {
	case q <- v:
	default:
		u.log.Warn().Str("user", userID).Msg("inbound backlog full, dropping event")
	}
	u.mu.Unlock()
}

func (u *userQueues) drain(userID string, q chan *events.Message) {
	for {
		select {
		case v := <-q:
			u.handler(v)
		default:
			// Re-check under the map lock before retiring so Enqueue
			// either finds this queue still registered or starts a
			// fresh worker.
			u.mu.Lock()
			select {
			case v := <-q:
				u.mu.Unlock()
				u.handler(v)
			default:
				delete(u.queues, userID)
				u.mu.Unlock()
				return
			}
		}
	}
}
