package arbiter

import (
	"sync"

	"go.uber.org/zap"

	"github.com/park285/cheese-duel/internal/obslog"
)

// Broadcaster fans events out to subscribers in publish order. A subscriber
// whose buffer is full is dropped so the publisher never blocks.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[uint64]*Subscription
	nextID uint64
	buffer int
	closed bool
}

func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = 64
	}
	return &Broadcaster{subs: make(map[uint64]*Subscription), buffer: buffer}
}

// Subscription delivers events on C until it is closed or dropped.
type Subscription struct {
	C <-chan Event

	ch   chan Event
	id   uint64
	b    *Broadcaster
	once sync.Once
}

func (b *Broadcaster) Subscribe() *Subscription {
	ch := make(chan Event, b.buffer)
	s := &Subscription{C: ch, ch: ch, b: b}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return s
	}
	b.nextID++
	s.id = b.nextID
	b.subs[s.id] = s
	return s
}

// Close detaches the subscription and closes C.
func (s *Subscription) Close() {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	if _, ok := s.b.subs[s.id]; ok {
		delete(s.b.subs, s.id)
		s.closeCh()
	}
}

func (s *Subscription) closeCh() { s.once.Do(func() { close(s.ch) }) }

func (b *Broadcaster) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, s := range b.subs {
		select {
		case s.ch <- ev:
		default:
			delete(b.subs, id)
			s.closeCh()
			obslog.L().Warn("duel_subscriber_dropped",
				zap.Uint64("subscriber", id),
				zap.String("match_id", ev.Snapshot.MatchID),
				zap.Uint64("seq", ev.Seq),
			)
		}
	}
}

func (b *Broadcaster) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close closes every subscription; later subscribers get a closed channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		delete(b.subs, id)
		s.closeCh()
	}
}
