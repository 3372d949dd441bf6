package call

import (
	"errors"
	"sort"
)

var errDuplicatePeer = errors.New("call: peer already registered")

// registry maps remote participant id → Peer. It is the only place peers
// are inserted or removed. Owned by the controller loop.
type registry struct {
	peers map[string]*Peer
}

func newRegistry() *registry {
	return &registry{peers: make(map[string]*Peer)}
}

func (r *registry) get(remoteID string) (*Peer, bool) {
	p, ok := r.peers[remoteID]
	return p, ok
}

// insert refuses a second Peer for the same remote id.
func (r *registry) insert(p *Peer) error {
	if _, ok := r.peers[p.remoteID]; ok {
		return errDuplicatePeer
	}
	r.peers[p.remoteID] = p
	return nil
}

// remove deletes p only if it is still the registered peer for its id, so
// a late teardown of a replaced connection cannot evict its successor.
func (r *registry) remove(p *Peer) bool {
	if cur, ok := r.peers[p.remoteID]; ok && cur == p {
		delete(r.peers, p.remoteID)
		return true
	}
	return false
}

// current reports whether p is still the live entry for its id.
func (r *registry) current(p *Peer) bool {
	cur, ok := r.peers[p.remoteID]
	return ok && cur == p
}

func (r *registry) len() int { return len(r.peers) }

// ids returns the registered remote ids in order.
func (r *registry) ids() []string {
	out := make([]string, 0, len(r.peers))
	for id := range r.peers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// drain empties the registry and returns what it held, ordered by id.
func (r *registry) drain() []*Peer {
	out := make([]*Peer, 0, len(r.peers))
	for _, id := range r.ids() {
		out = append(out, r.peers[id])
	}
	r.peers = make(map[string]*Peer)
	return out
}
