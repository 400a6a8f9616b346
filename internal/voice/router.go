package voice

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/communityorg-discord/CO-Gov-Utils-sub000/internal/logging"
)

const (
	// DefaultSubscriberBuffer is the per-subscriber packet queue, about 5s of 20ms frames.
	DefaultSubscriberBuffer = 256
	// DefaultPreRoll is how many packets of the current burst are kept for a late subscriber.
	DefaultPreRoll = 50
	speakingBuffer = 64
)

// RouterOptions configures a Router.
type RouterOptions struct {
	BurstGap         time.Duration
	SubscriberBuffer int
	PreRoll          int
	// OnDrop is called for every packet dropped because a subscriber was full.
	OnDrop func(speakerID string)
	Now    func() time.Time
}

// Router fans packets out per speaker and turns gaps in a speaker's packet
// flow into SpeakingEvents. Both gateways feed it and expose it as their
// Connection half.
type Router struct {
	opts RouterOptions

	mu       sync.Mutex
	closed   bool
	lastSeen map[string]time.Time
	preroll  map[string][]Packet
	// carried marks a preroll holding packets handed back by a closed
	// subscription; it is bounded by SubscriberBuffer instead of PreRoll.
	carried  map[string]bool
	subs     map[string]map[*subscription]struct{}
	speaking chan SpeakingEvent

	dropped atomic.Uint64
}

// NewRouter creates a router.
func NewRouter(opts RouterOptions) *Router {
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = DefaultSubscriberBuffer
	}
	if opts.PreRoll < 0 || opts.PreRoll > opts.SubscriberBuffer {
		opts.PreRoll = 0
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Router{
		opts:     opts,
		lastSeen: make(map[string]time.Time),
		preroll:  make(map[string][]Packet),
		carried:  make(map[string]bool),
		subs:     make(map[string]map[*subscription]struct{}),
		speaking: make(chan SpeakingEvent, speakingBuffer),
	}
}

// Speaking returns the burst-start events. It is closed by Close.
func (r *Router) Speaking() <-chan SpeakingEvent {
	return r.speaking
}

// Deliver routes one opus payload received from speakerID.
func (r *Router) Deliver(speakerID string, payload []byte) {
	if speakerID == "" {
		return
	}
	now := r.opts.Now()
	pkt := Packet{Payload: append([]byte(nil), payload...), At: now}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}

	last, seen := r.lastSeen[speakerID]
	r.lastSeen[speakerID] = now
	if !seen || now.Sub(last) > r.opts.BurstGap {
		delete(r.preroll, speakerID)
		delete(r.carried, speakerID)
		select {
		case r.speaking <- SpeakingEvent{SpeakerID: speakerID, At: now}:
		default:
			logging.Warning(logging.CategoryVoice, "speaking event dropped, consumer behind speakerID=%s", speakerID)
		}
	}

	subs := r.subs[speakerID]
	if len(subs) == 0 {
		limit := r.opts.PreRoll
		if r.carried[speakerID] {
			limit = r.opts.SubscriberBuffer
		}
		if limit > 0 {
			buf := append(r.preroll[speakerID], pkt)
			if len(buf) > limit {
				buf = buf[len(buf)-limit:]
			}
			r.preroll[speakerID] = buf
		}
		return
	}
	for s := range subs {
		select {
		case s.frames <- pkt:
		default:
			r.dropped.Add(1)
			if r.opts.OnDrop != nil {
				r.opts.OnDrop(speakerID)
			}
		}
	}
}

// Subscribe implements Connection.
func (r *Router) Subscribe(speakerID string) Subscription {
	s := &subscription{
		router:    r,
		speakerID: speakerID,
		frames:    make(chan Packet, r.opts.SubscriberBuffer),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		close(s.frames)
		s.done = true
		return s
	}
	for _, pkt := range r.preroll[speakerID] {
		s.frames <- pkt
	}
	delete(r.preroll, speakerID)
	delete(r.carried, speakerID)

	if r.subs[speakerID] == nil {
		r.subs[speakerID] = make(map[*subscription]struct{})
	}
	r.subs[speakerID][s] = struct{}{}
	return s
}

// Dropped returns the number of packets dropped on full subscribers.
func (r *Router) Dropped() uint64 {
	return r.dropped.Load()
}

// Close ends every subscription and the speaking stream.
func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for _, subs := range r.subs {
		for s := range subs {
			s.done = true
			close(s.frames)
		}
	}
	r.subs = nil
	r.preroll = nil
	r.carried = nil
	close(r.speaking)
}

func (r *Router) unsubscribe(s *subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.done {
		return
	}
	s.done = true
	remaining := 0
	if subs := r.subs[s.speakerID]; subs != nil {
		delete(subs, s)
		remaining = len(subs)
		if remaining == 0 {
			delete(r.subs, s.speakerID)
		}
	}

	// Packets queued after the reader stopped go to the next subscriber,
	// unless another subscriber already received them.
	var unread []Packet
drain:
	for {
		select {
		case pkt := <-s.frames:
			unread = append(unread, pkt)
		default:
			break drain
		}
	}
	close(s.frames)
	if remaining > 0 || len(unread) == 0 {
		return
	}
	buf := append(unread, r.preroll[s.speakerID]...)
	if len(buf) > r.opts.SubscriberBuffer {
		buf = buf[len(buf)-r.opts.SubscriberBuffer:]
	}
	r.preroll[s.speakerID] = buf
	r.carried[s.speakerID] = true
	logging.Debug(logging.CategoryVoice, "requeued unread packets speakerID=%s count=%d", s.speakerID, len(unread))
}

type subscription struct {
	router    *Router
	speakerID string
	frames    chan Packet
	// done is guarded by router.mu.
	done bool
}

func (s *subscription) SpeakerID() string     { return s.speakerID }
func (s *subscription) Frames() <-chan Packet { return s.frames }
func (s *subscription) Close()                { s.router.unsubscribe(s) }
