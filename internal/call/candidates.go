package call

import "github.com/petervdpas/voicemesh/internal/signal"

// candidateBuffer holds ICE candidates that arrived before the remote
// description of their peer was set. Slots may exist for remote ids the
// registry does not know yet ("strangers"); at most maxStrangers of those
// are kept, oldest slot first out. Owned by the controller loop; not safe
// for concurrent use.
type candidateBuffer struct {
	capacity     int
	maxStrangers int
	pending      map[string][]signal.Candidate
	strangers    []string // slot ids with no peer, in order of first candidate
}

func newCandidateBuffer(capacity, maxStrangers int) *candidateBuffer {
	if capacity <= 0 {
		capacity = defaultCandidateBuffer
	}
	if maxStrangers <= 0 {
		maxStrangers = defaultUnknownSlots
	}
	return &candidateBuffer{
		capacity:     capacity,
		maxStrangers: maxStrangers,
		pending:      make(map[string][]signal.Candidate),
	}
}

// push appends c to remoteID's slot. When the slot is full the oldest
// candidate is dropped and push reports true.
func (b *candidateBuffer) push(remoteID string, c signal.Candidate) (dropped bool) {
	q := b.pending[remoteID]
	if len(q) >= b.capacity {
		q = q[1:]
		dropped = true
	}
	b.pending[remoteID] = append(q, c)
	return dropped
}

// pushStranger is push for a sender with no peer. Opening a slot beyond
// maxStrangers discards the oldest stranger slot, whose id is returned.
func (b *candidateBuffer) pushStranger(remoteID string, c signal.Candidate) (dropped bool, evicted string) {
	if _, ok := b.pending[remoteID]; !ok {
		if len(b.strangers) >= b.maxStrangers {
			evicted = b.strangers[0]
			b.discard(evicted)
		}
		b.strangers = append(b.strangers, remoteID)
	}
	return b.push(remoteID, c), evicted
}

// adopt stops counting remoteID's slot as a stranger once its peer exists.
func (b *candidateBuffer) adopt(remoteID string) {
	for i, id := range b.strangers {
		if id == remoteID {
			b.strangers = append(b.strangers[:i], b.strangers[i+1:]...)
			return
		}
	}
}

// drain returns remoteID's candidates in arrival order and frees the slot.
func (b *candidateBuffer) drain(remoteID string) []signal.Candidate {
	q := b.pending[remoteID]
	b.discard(remoteID)
	return q
}

func (b *candidateBuffer) discard(remoteID string) {
	delete(b.pending, remoteID)
	b.adopt(remoteID)
}

func (b *candidateBuffer) len(remoteID string) int {
	return len(b.pending[remoteID])
}

func (b *candidateBuffer) has(remoteID string) bool {
	_, ok := b.pending[remoteID]
	return ok
}

func (b *candidateBuffer) counts() map[string]int {
	out := make(map[string]int, len(b.pending))
	for id, q := range b.pending {
		out[id] = len(q)
	}
	return out
}

func (b *candidateBuffer) clear() {
	b.pending = make(map[string][]signal.Candidate)
	b.strangers = nil
}
