// Package call runs one participant's side of a voice channel: a full mesh
// of WebRTC audio connections negotiated over a signaling Bus.
package call

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/voicemesh/internal/metrics"
	"github.com/petervdpas/voicemesh/internal/signal"
	"github.com/petervdpas/voicemesh/internal/util"
)

var log = logging.Logger("voice/call")

const (
	defaultCandidateBuffer = 64
	defaultUnknownSlots    = 32
	defaultRestartTimeout  = 15 * time.Second
	defaultDedupWindow     = 1024
	defaultEventBuffer     = 64
	diagLines              = 100
	leaveFlushTimeout      = util.ShortTimeout
)

// OfferPolicy decides what an offer from an already connected peer does.
type OfferPolicy string

const (
	// OfferReplace tears the existing connection down and answers the new
	// offer (last offer wins).
	OfferReplace OfferPolicy = "replace"
	// OfferIgnoreConnected drops the offer while the existing connection is
	// Connected, and replaces it otherwise.
	OfferIgnoreConnected OfferPolicy = "ignore-connected"
)

// Options configures a Controller. Bus, Media and Native are required.
type Options struct {
	Bus     signal.Bus
	Media   MediaSource
	Native  NativeFactory
	Metrics *metrics.Metrics // may be nil

	CandidateBuffer int           // per remote participant, default 64
	UnknownSlots    int           // candidate slots for ids with no connection, default 32
	RestartTimeout  time.Duration // receiver wait for a restart offer, default 15s
	DuplicateOffer  OfferPolicy   // default OfferReplace
	DedupWindow     int           // remembered message ids, default 1024
	EventBuffer     int           // per subscriber, default 64
}

// Controller is the local session in one voice channel. It owns the local
// media, the bus subscriptions, the peer registry and the candidate buffer.
// Create one per channel join; after Leave it cannot be joined again.
type Controller struct {
	opts    Options
	bus     signal.Bus
	metrics *metrics.Metrics

	loop   *loop
	out    *outbox
	events *emitter
	ring   *util.RingBuffer[string]

	ctx    context.Context // lives until Leave
	cancel context.CancelFunc

	// loop-owned
	channelID string
	localID   string
	session   string
	joined    bool
	announced bool
	left      bool
	muted     bool
	media     LocalMedia
	unsub     func()
	peers     *registry
	cands     *candidateBuffer
	seen      *lru.Cache[string, struct{}]
}

// New creates an idle controller. Nothing touches the bus or the
// microphone until Join.
func New(opts Options) (*Controller, error) {
	if opts.Bus == nil || opts.Media == nil || opts.Native == nil {
		return nil, errors.New("call: bus, media and native factory are required")
	}
	if opts.RestartTimeout <= 0 {
		opts.RestartTimeout = defaultRestartTimeout
	}
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = defaultDedupWindow
	}
	switch opts.DuplicateOffer {
	case "":
		opts.DuplicateOffer = OfferReplace
	case OfferReplace, OfferIgnoreConnected:
	default:
		return nil, fmt.Errorf("call: unknown duplicate offer policy %q", opts.DuplicateOffer)
	}

	seen, err := lru.New[string, struct{}](opts.DedupWindow)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		opts:    opts,
		bus:     opts.Bus,
		metrics: opts.Metrics,
		loop:    newLoop(),
		ring:    util.NewRingBuffer[string](diagLines),
		ctx:     ctx,
		cancel:  cancel,
		peers:   newRegistry(),
		cands:   newCandidateBuffer(opts.CandidateBuffer, opts.UnknownSlots),
		seen:    seen,
	}
	c.events = newEmitter(opts.EventBuffer, func() { c.metrics.EventDropped() })
	c.out = newOutbox(opts.Bus, func(m *signal.Message, err error) {
		log.Warnf("CALL [%s]: publish %s: %v", m.ChannelID, m, err)
	})
	return c, nil
}

// Subscribe returns a channel of session events and a func that ends the
// subscription. Channels are closed by Leave.
func (c *Controller) Subscribe() (<-chan Event, func()) {
	return c.events.subscribe()
}

// Join acquires local audio, subscribes to the channel and user topics and
// announces the local participant. Media failure is returned immediately
// and the controller stays joinable.
func (c *Controller) Join(ctx context.Context, channelID, localID string) error {
	channelID, err := util.ValidateChannelID(channelID)
	if err != nil {
		return fmt.Errorf("call: %w", err)
	}
	if localID == "" {
		return errors.New("call: participant id is required")
	}

	if !c.loop.do(func() {
		switch {
		case c.left:
			err = ErrLeft
		case c.joined:
			err = ErrAlreadyJoined
		default:
			c.joined = true
			c.channelID = channelID
			c.localID = localID
			c.session = uuid.NewString()
		}
	}) {
		return ErrLeft
	}
	if err != nil {
		return err
	}

	media, err := c.opts.Media(ctx)
	if err != nil {
		c.loop.do(func() { c.joined = false })
		if !errors.Is(err, ErrMediaAccessDenied) {
			err = fmt.Errorf("%w: %w", ErrMediaAccessDenied, err)
		}
		log.Warnf("CALL [%s]: join failed: %v", channelID, err)
		return err
	}

	if !c.loop.do(func() {
		if c.left {
			err = ErrLeft
			return
		}
		c.media = media
		media.SetMuted(c.muted)
	}) || err != nil {
		media.Close()
		return ErrLeft
	}

	unsub, err := c.subscribe()
	if err != nil {
		c.loop.do(func() {
			c.media = nil
			c.joined = false
		})
		media.Close()
		return fmt.Errorf("call: subscribe: %w", err)
	}

	if !c.loop.do(func() {
		if c.left {
			err = ErrLeft
			return
		}
		c.unsub = unsub
		c.announced = true
		c.out.send(signal.NewJoin(c.channelID, c.localID, c.session))
		c.diag("joined %s as %s", c.channelID, short(c.localID))
	}) || err != nil {
		unsub()
		return ErrLeft
	}
	log.Infof("CALL [%s]: joined as %s", channelID, localID)
	return nil
}

func (c *Controller) subscribe() (func(), error) {
	var cancels []func()
	unsub := func() {
		for _, f := range cancels {
			f()
		}
	}
	for _, topic := range []string{signal.UserTopic(c.localID), signal.ChannelTopic(c.channelID)} {
		ch, cancel, err := c.bus.Subscribe(c.ctx, topic)
		if err != nil {
			unsub()
			return nil, fmt.Errorf("%s: %w", topic, err)
		}
		cancels = append(cancels, cancel)
		go c.pump(ch)
	}
	return unsub, nil
}

// pump moves bus messages onto the loop. It keeps draining after Leave so
// the transport never blocks on us.
func (c *Controller) pump(ch <-chan *signal.Message) {
	for m := range ch {
		c.loop.post(func() { c.dispatch(m) })
	}
}

// Resubscribe replaces the bus subscriptions after a transport reconnect
// and re-announces the same join. Peers already known are kept.
func (c *Controller) Resubscribe(ctx context.Context) error {
	var old func()
	var err error
	if !c.loop.do(func() {
		if !c.announced || c.left {
			err = ErrNotJoined
			return
		}
		old = c.unsub
		c.unsub = nil
	}) {
		return ErrNotJoined
	}
	if err != nil {
		return err
	}
	if old != nil {
		old()
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	unsub, err := c.subscribe()
	if err != nil {
		return fmt.Errorf("call: resubscribe: %w", err)
	}
	if !c.loop.do(func() {
		if c.left {
			err = ErrLeft
			return
		}
		c.unsub = unsub
		c.out.send(signal.NewJoin(c.channelID, c.localID, c.session))
		c.diag("resubscribed")
	}) || err != nil {
		unsub()
		return ErrLeft
	}
	return nil
}

// ConnectToExisting offers to every listed participant this side initiates
// to. Ids already connected, the local id and ids the remote side initiates
// to are skipped.
func (c *Controller) ConnectToExisting(participantIDs []string) error {
	var err error
	if !c.loop.do(func() {
		if !c.joined || c.left {
			err = ErrNotJoined
			return
		}
		var errs []error
		for _, id := range participantIDs {
			if id == "" || id == c.localID || !ShouldInitiate(c.localID, id) {
				continue
			}
			if _, ok := c.peers.get(id); ok {
				continue
			}
			if e := c.startInitiator(id, ""); e != nil {
				errs = append(errs, e)
			}
		}
		err = errors.Join(errs...)
	}) {
		return ErrNotJoined
	}
	return err
}

// SetMuted gates outgoing audio on every connection without renegotiating.
func (c *Controller) SetMuted(muted bool) {
	c.loop.do(func() {
		c.muted = muted
		if c.media != nil {
			c.media.SetMuted(muted)
		}
		c.diag("muted=%v", muted)
	})
}

// Leave closes every connection, unsubscribes, releases the microphone and
// ends event subscriptions. It is idempotent and safe after a failed Join.
func (c *Controller) Leave() error {
	var (
		first bool
		media LocalMedia
	)
	c.loop.do(func() {
		if c.left {
			return
		}
		first = true
		c.left = true
		if c.unsub != nil {
			c.unsub()
			c.unsub = nil
		}
		for _, p := range c.peers.drain() {
			p.close()
			c.metrics.PeerEvicted("leave")
			c.emit(Event{Type: EventConnectionState, RemoteID: p.remoteID, State: StateClosed})
		}
		c.cands.clear()
		c.metrics.SetActivePeers(0)
		if c.announced {
			c.out.send(signal.NewLeave(c.channelID, c.localID, c.session))
		}
		media = c.media
		c.media = nil
		c.joined = false
		c.announced = false
		c.diag("left")
	})
	if !first {
		return nil
	}

	if !c.out.flush(leaveFlushTimeout) {
		log.Warnf("CALL [%s]: leave announcement not delivered", c.channelID)
	}
	c.out.close()
	c.cancel()

	var err error
	if media != nil {
		err = media.Close()
	}
	c.loop.stop()
	c.events.close()
	log.Infof("CALL [%s]: left", c.channelID)
	return err
}

// dispatch validates one inbound message and routes it by sender.
func (c *Controller) dispatch(m *signal.Message) {
	if !c.joined || c.media == nil || c.left {
		return
	}
	if m.From == c.localID {
		return // our own broadcast echoed back
	}
	if err := m.Validate(); err != nil {
		c.drop(m, err)
		return
	}
	if m.ChannelID != c.channelID {
		c.drop(m, signal.NewProtocolError(m, "wrong channel", nil))
		return
	}
	if m.Kind != signal.KindJoin && m.Kind != signal.KindLeave && m.To != c.localID {
		c.drop(m, signal.NewProtocolError(m, "misaddressed", nil))
		return
	}
	if m.ID != "" {
		if c.seen.Contains(m.ID) {
			c.metrics.SignalingDropped("duplicate")
			return
		}
		c.seen.Add(m.ID, struct{}{})
	}

	switch m.Kind {
	case signal.KindJoin:
		c.onPeerJoined(m)
	case signal.KindLeave:
		c.onPeerLeft(m)
	case signal.KindOffer:
		c.onOffer(m)
	case signal.KindAnswer:
		c.onAnswer(m)
	case signal.KindCandidate:
		c.onCandidate(m)
	}
}

func (c *Controller) onPeerJoined(m *signal.Message) {
	if p, ok := c.peers.get(m.From); ok {
		if m.Session == "" || m.Session == p.session || p.session == "" {
			if p.session == "" {
				p.session = m.Session
			}
			return
		}
		c.diag("%s re-joined", short(m.From))
		c.replace(p)
	}
	if !ShouldInitiate(c.localID, m.From) {
		return // they offer to us
	}
	if err := c.startInitiator(m.From, m.Session); err != nil {
		log.Warnf("CALL [%s]: connect to %s: %v", c.channelID, short(m.From), err)
	}
}

func (c *Controller) onPeerLeft(m *signal.Message) {
	p, ok := c.peers.get(m.From)
	if !ok {
		c.cands.discard(m.From)
		return
	}
	if p.staleSession(m) {
		c.drop(m, signal.NewProtocolError(m, "stale session", nil))
		return
	}
	c.evict(p, nil)
}

func (c *Controller) onOffer(m *signal.Message) {
	if ShouldInitiate(c.localID, m.From) {
		c.drop(m, signal.NewProtocolError(m, "offer from non-initiator", nil))
		return
	}

	if p, ok := c.peers.get(m.From); ok {
		sameSession := !p.staleSession(m)
		switch {
		case m.Restart && sameSession:
			c.diag("%s restart offer", short(m.From))
			if err := p.acceptOffer(m); err != nil {
				c.evict(p, &PeerFailedError{RemoteID: p.remoteID, Restarted: true, Err: err})
			}
			return
		case c.opts.DuplicateOffer == OfferIgnoreConnected && p.state == StateConnected && sameSession:
			c.drop(m, signal.NewProtocolError(m, "duplicate offer", nil))
			return
		}
		c.diag("%s replaced by new offer", short(m.From))
		c.replace(p)
	}

	p, err := c.newPeer(m.From, RoleReceiver, m.Session)
	if err != nil {
		log.Warnf("CALL [%s]: answer %s: %v", c.channelID, short(m.From), err)
		return
	}
	if err := p.acceptOffer(m); err != nil {
		c.evict(p, &PeerFailedError{RemoteID: p.remoteID, Err: err})
	}
}

func (c *Controller) onAnswer(m *signal.Message) {
	p, ok := c.peers.get(m.From)
	if !ok {
		c.drop(m, signal.NewProtocolError(m, "answer from unknown peer", nil))
		return
	}
	if p.staleSession(m) {
		c.drop(m, signal.NewProtocolError(m, "stale session", nil))
		return
	}
	applied, err := p.acceptAnswer(m)
	if err != nil {
		c.evict(p, &PeerFailedError{RemoteID: p.remoteID, Restarted: p.restarted, Err: err})
		return
	}
	if !applied {
		c.drop(m, signal.NewProtocolError(m, "unexpected answer", nil))
	}
}

func (c *Controller) onCandidate(m *signal.Message) {
	if p, ok := c.peers.get(m.From); ok {
		p.addCandidate(*m.Candidate)
		return
	}
	// Arrived ahead of the offer: keep a slot for the unknown sender.
	dropped, evicted := c.cands.pushStranger(m.From, *m.Candidate)
	if dropped {
		log.Warnf("CALL [%s]: candidate buffer for %s full, dropped oldest", c.channelID, short(m.From))
	}
	if evicted != "" {
		c.metrics.SignalingDropped("candidate slots full")
		log.Warnf("CALL [%s]: too many unknown senders, discarded candidates of %s", c.channelID, short(evicted))
		c.diag("discarded candidates of unknown %s", short(evicted))
	}
	c.metrics.CandidateBuffered()
}

func (c *Controller) bufferCandidate(remoteID string, cand signal.Candidate) {
	if c.cands.push(remoteID, cand) {
		log.Warnf("CALL [%s]: candidate buffer for %s full, dropped oldest", c.channelID, short(remoteID))
	}
	c.metrics.CandidateBuffered()
}

func (c *Controller) startInitiator(remoteID, session string) error {
	p, err := c.newPeer(remoteID, RoleInitiator, session)
	if err != nil {
		return err
	}
	if err := p.sendOffer(false); err != nil {
		c.evict(p, &PeerFailedError{RemoteID: remoteID, Err: err})
		return err
	}
	return nil
}

// newPeer creates and registers the one Peer for remoteID. Native callbacks
// are posted to the loop and ignored once the Peer is no longer current.
func (c *Controller) newPeer(remoteID string, role Role, session string) (*Peer, error) {
	if c.media == nil {
		return nil, ErrMediaNotReady
	}
	if _, ok := c.peers.get(remoteID); ok {
		return nil, errDuplicatePeer
	}
	p := &Peer{c: c, remoteID: remoteID, role: role, session: session, state: StateCreated, created: time.Now()}
	native, err := c.opts.Native.NewPeer(remoteID, c.media, NativeHandlers{
		OnICECandidate: func(cand *signal.Candidate) {
			c.loop.post(func() {
				if cand == nil || !c.live(p) {
					return
				}
				c.out.send(signal.NewCandidate(c.channelID, c.localID, remoteID, *cand))
			})
		},
		OnConnectionState: func(s webrtc.PeerConnectionState) {
			c.loop.post(func() {
				if c.live(p) {
					p.onNativeState(s)
				}
			})
		},
		OnTrack: func(s RemoteStream) {
			c.loop.post(func() {
				if c.live(p) {
					p.onTrack(s)
				}
			})
		},
	})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	p.native = native
	if err := c.peers.insert(p); err != nil {
		native.Close()
		return nil, err
	}
	c.cands.adopt(remoteID)
	c.metrics.PeerCreated(role.String())
	c.metrics.SetActivePeers(c.peers.len())
	c.diag("%s created as %s", short(remoteID), role)
	return p, nil
}

func (c *Controller) live(p *Peer) bool {
	return !c.left && !p.closed && c.peers.current(p)
}

// replace silently drops p so a fresh connection can take its id.
func (c *Controller) replace(p *Peer) {
	if !c.peers.remove(p) {
		return
	}
	p.close()
	c.cands.discard(p.remoteID)
	c.metrics.PeerEvicted("replaced")
	c.metrics.SetActivePeers(c.peers.len())
}

// evict removes p, closes it and tells subscribers it left. reason is nil
// for a normal remote leave.
func (c *Controller) evict(p *Peer, reason error) {
	if !c.peers.remove(p) {
		return
	}
	p.close()
	c.cands.discard(p.remoteID)

	label := "left"
	if reason != nil {
		label = "failed"
		log.Warnf("CALL [%s]: %v", c.channelID, reason)
	}
	c.metrics.PeerEvicted(label)
	c.metrics.SetActivePeers(c.peers.len())
	c.diag("%s evicted (%s)", short(p.remoteID), label)
	c.emit(Event{Type: EventPeerLeft, RemoteID: p.remoteID, Reason: reason})
}

func (c *Controller) emit(ev Event) {
	ev.ChannelID = c.channelID
	ev.At = time.Now()
	c.events.emit(ev)
}

// drop logs and counts a message that will not be acted on.
func (c *Controller) drop(m *signal.Message, err error) {
	reason := signal.Reason(err)
	c.metrics.SignalingDropped(reason)
	if m != nil {
		log.Warnf("CALL [%s]: dropped %s: %v", c.channelID, m, err)
	} else {
		log.Warnf("CALL [%s]: %v", c.channelID, err)
	}
	c.diag("drop: %v", err)
}

func (c *Controller) diag(format string, args ...any) {
	line := time.Now().Format("15:04:05.000") + " " + fmt.Sprintf(format, args...)
	c.ring.Push(line)
	log.Debugf("CALL [%s]: %s", c.channelID, line)
}

// PeerInfo describes one connection in a Snapshot.
type PeerInfo struct {
	RemoteID  string `json:"remote_id"`
	Role      string `json:"role"`
	State     string `json:"state"`
	HasStream bool   `json:"has_stream"`
	Restarted bool   `json:"restarted"`
	Since     int64  `json:"since"`
}

// Snapshot is a point-in-time view for diagnostics.
type Snapshot struct {
	ChannelID string         `json:"channel_id"`
	LocalID   string         `json:"local_id"`
	Joined    bool           `json:"joined"`
	Muted     bool           `json:"muted"`
	Peers     []PeerInfo     `json:"peers"`
	Buffered  map[string]int `json:"buffered"`
	Recent    []string       `json:"recent"`
}

func (c *Controller) Snapshot() Snapshot {
	var s Snapshot
	fill := func() {
		s = Snapshot{
			ChannelID: c.channelID,
			LocalID:   c.localID,
			Joined:    c.joined && !c.left,
			Muted:     c.muted,
			Buffered:  c.cands.counts(),
		}
		for _, id := range c.peers.ids() {
			p, _ := c.peers.get(id)
			s.Peers = append(s.Peers, PeerInfo{
				RemoteID:  id,
				Role:      p.role.String(),
				State:     p.state.String(),
				HasStream: p.stream != nil,
				Restarted: p.restarted,
				Since:     p.created.Unix(),
			})
		}
	}
	if !c.loop.do(fill) {
		// after Leave the loop is gone and the fields are ours to read
		<-c.loop.done
		fill()
	}
	s.Recent = c.ring.Snapshot()
	return s
}
