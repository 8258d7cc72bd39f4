package webchat

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Registry tracks the live channels of every identity. A channel belongs to
// at most one identity and appears at most once in its set.
//
// Mutations hold the registry lock briefly and never perform I/O. Sends
// snapshot the target channels and write outside the lock, so a slow client
// only delays sends that include it. A channel whose send fails is
// disconnected and the remaining channels are still attempted.
type Registry struct {
	mu     sync.RWMutex
	users  map[string]map[Channel]struct{}
	owners map[Channel]string
}

func NewRegistry() *Registry {
	return &Registry{
		users:  map[string]map[Channel]struct{}{},
		owners: map[Channel]string{},
	}
}

// Connect adds ch to identity's set, moving it away from any previous owner.
func (r *Registry) Connect(identity string, ch Channel) {
	if r == nil || ch == nil || identity == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.owners[ch]; ok {
		if prev == identity {
			return
		}
		r.removeLocked(prev, ch)
	}
	set, ok := r.users[identity]
	if !ok {
		set = map[Channel]struct{}{}
		r.users[identity] = set
	}
	set[ch] = struct{}{}
	r.owners[ch] = identity
	log.Debug().Str("component", "webchat").Str("user_id", identity).Int("connections", len(set)).Msg("connection registered")
}

// Disconnect removes ch and closes it. Unknown channels are ignored; the
// return value reports whether ch was registered.
func (r *Registry) Disconnect(ch Channel) bool {
	if r == nil || ch == nil {
		return false
	}
	r.mu.Lock()
	identity, ok := r.owners[ch]
	if ok {
		r.removeLocked(identity, ch)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	_ = ch.Close()
	log.Debug().Str("component", "webchat").Str("user_id", identity).Msg("connection removed")
	return true
}

func (r *Registry) removeLocked(identity string, ch Channel) {
	delete(r.owners, ch)
	set := r.users[identity]
	delete(set, ch)
	if len(set) == 0 {
		delete(r.users, identity)
	}
}

func (r *Registry) snapshot(identity string) []Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.users[identity]
	ret := make([]Channel, 0, len(set))
	for ch := range set {
		ret = append(ret, ch)
	}
	return ret
}

func (r *Registry) snapshotAll() []Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ret := make([]Channel, 0, len(r.owners))
	for ch := range r.owners {
		ret = append(ret, ch)
	}
	return ret
}

func (r *Registry) deliver(chans []Channel, payload []byte) int {
	delivered := 0
	for _, ch := range chans {
		if err := ch.Send(payload); err != nil {
			log.Warn().Err(err).Str("component", "webchat").Msg("ws send failed, dropping connection")
			r.Disconnect(ch)
			continue
		}
		delivered++
	}
	return delivered
}

// SendToUser writes payload to every channel of identity and returns the
// number of successful deliveries. An identity without channels is a no-op.
func (r *Registry) SendToUser(identity string, payload []byte) int {
	if r == nil || len(payload) == 0 {
		return 0
	}
	return r.deliver(r.snapshot(identity), payload)
}

// SendToOne writes payload to ch if it is registered.
func (r *Registry) SendToOne(ch Channel, payload []byte) bool {
	if r == nil || ch == nil || len(payload) == 0 {
		return false
	}
	r.mu.RLock()
	_, ok := r.owners[ch]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	return r.deliver([]Channel{ch}, payload) == 1
}

func (r *Registry) Broadcast(payload []byte) int {
	if r == nil || len(payload) == 0 {
		return 0
	}
	return r.deliver(r.snapshotAll(), payload)
}

func (r *Registry) IsOnline(identity string) bool {
	return r.ConnectionCount(identity) > 0
}

func (r *Registry) ConnectionCount(identity string) int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[identity])
}

func (r *Registry) OnlineCount() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}

// CloseAll disconnects every channel.
func (r *Registry) CloseAll() {
	for _, ch := range r.snapshotAll() {
		r.Disconnect(ch)
	}
}
