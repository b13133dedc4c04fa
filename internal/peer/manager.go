package peer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/couchpad/couchpad/internal/metrics"
	"github.com/couchpad/couchpad/internal/ratelimit"
	"github.com/couchpad/couchpad/internal/signaling"
)

const (
	dataChannelLabel = "input"

	// Reliability over raw throughput: ordered delivery with a small
	// bounded retransmit budget.
	dataChannelMaxRetransmits uint16 = 3

	publishTimeout = 5 * time.Second

	eventQueueSize    = 256
	deliveryQueueSize = 256
)

type Config struct {
	SessionID string
	DeviceID  string
	Relay     signaling.Relay

	ICEServers []webrtc.ICEServer

	// MaxAttempts bounds consecutive connection attempts per target.
	// Default 3.
	MaxAttempts int
	// Cooldown is the fixed delay before the single scheduled retry after
	// a failure. Default 3s.
	Cooldown time.Duration

	Metrics *metrics.Metrics
	Clock   ratelimit.Clock

	// API overrides the WebRTC API, used by tests to run over a virtual
	// network.
	API *webrtc.API

	// OnMessage receives raw data-channel payloads in arrival order. It
	// runs on a dedicated delivery goroutine and must not call Manager
	// methods synchronously.
	OnMessage func(senderID string, payload []byte)
}

type inbound struct {
	senderID string
	payload  []byte
}

type link struct {
	targetID      string
	role          Role
	phase         Phase
	attemptCount  int
	lastAttemptAt time.Time

	// epoch invalidates callbacks and timers belonging to a torn-down
	// PeerConnection for this target.
	epoch uint64

	pc        *webrtc.PeerConnection
	channel   *webrtc.DataChannel
	remoteSet bool

	retryTimer *time.Timer
}

// Manager owns one connection state machine per target device id.
type Manager struct {
	sessionID   string
	deviceID    string
	relay       signaling.Relay
	iceServers  []webrtc.ICEServer
	maxAttempts int
	cooldown    time.Duration
	metrics     *metrics.Metrics
	clock       ratelimit.Clock
	api         *webrtc.API
	onMessage   func(senderID string, payload []byte)

	events     chan event
	deliveries chan inbound
	quit       chan struct{}
	closeOnce  sync.Once
	cancelSub  func()

	// Dispatch-goroutine state. Never touched outside the run loop.
	links     map[string]*link
	pending   map[string][]webrtc.ICECandidateInit
	lastEpoch uint64
}

type event interface{}

type connectReq struct {
	target string
	done   chan error
}
type sendReq struct {
	target  string
	payload []byte
	done    chan error
}
type broadcastReq struct {
	payload []byte
	done    chan BroadcastResult
}
type cleanupReq struct{ done chan struct{} }
type snapshotReq struct {
	target string
	done   chan snapshotResp
}
type snapshotResp struct {
	snap LinkSnapshot
	ok   bool
}
type signalIn struct{ msg signaling.Message }
type stateChange struct {
	target string
	epoch  uint64
	state  webrtc.PeerConnectionState
}
type channelUp struct {
	target string
	epoch  uint64
	dc     *webrtc.DataChannel
}
type channelDown struct {
	target string
	epoch  uint64
}
type channelMessage struct {
	target  string
	epoch   uint64
	payload []byte
}
type retryFire struct {
	target string
	epoch  uint64
}
type candidateOut struct {
	target string
	epoch  uint64
	init   webrtc.ICECandidateInit
}

func NewManager(cfg Config) (*Manager, error) {
	if cfg.Relay == nil {
		return nil, fmt.Errorf("peer: relay is required")
	}
	if cfg.SessionID == "" || cfg.DeviceID == "" {
		return nil, fmt.Errorf("peer: session and device ids are required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 3 * time.Second
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	if cfg.Clock == nil {
		cfg.Clock = ratelimit.RealClock{}
	}
	if cfg.API == nil {
		cfg.API = webrtc.NewAPI()
	}

	m := &Manager{
		sessionID:   cfg.SessionID,
		deviceID:    cfg.DeviceID,
		relay:       cfg.Relay,
		iceServers:  cfg.ICEServers,
		maxAttempts: cfg.MaxAttempts,
		cooldown:    cfg.Cooldown,
		metrics:     cfg.Metrics,
		clock:       cfg.Clock,
		api:         cfg.API,
		onMessage:   cfg.OnMessage,
		events:      make(chan event, eventQueueSize),
		deliveries:  make(chan inbound, deliveryQueueSize),
		quit:        make(chan struct{}),
		links:       make(map[string]*link),
		pending:     make(map[string][]webrtc.ICECandidateInit),
	}

	msgs, cancel := cfg.Relay.Subscribe(cfg.DeviceID)
	m.cancelSub = cancel
	go func() {
		for msg := range msgs {
			m.post(signalIn{msg: msg})
		}
	}()
	go m.run()
	go m.deliver()
	return m, nil
}

// Connect starts (or restarts) negotiation toward targetID as initiator. It
// is a no-op while an attempt is connecting or connected, and while a failed
// attempt's cooldown has not elapsed. A terminal failed state is revived:
// the attempt counter restarts from zero.
func (m *Manager) Connect(targetID string) error {
	done := make(chan error, 1)
	if !m.post(connectReq{target: targetID, done: done}) {
		return ErrManagerClosed
	}
	return m.wait(done)
}

// HandleSignal injects a signaling message, bypassing the relay
// subscription. Tests and embedding callers use it; normal operation feeds
// signals through Subscribe.
func (m *Manager) HandleSignal(msg signaling.Message) {
	m.post(signalIn{msg: msg})
}

// Send delivers payload over the open data channel to targetID.
func (m *Manager) Send(targetID string, payload []byte) error {
	done := make(chan error, 1)
	if !m.post(sendReq{target: targetID, payload: payload, done: done}) {
		return ErrManagerClosed
	}
	return m.wait(done)
}

// Broadcast attempts a direct send to every known target and reports which
// targets need the fallback path instead.
func (m *Manager) Broadcast(payload []byte) BroadcastResult {
	done := make(chan BroadcastResult, 1)
	if !m.post(broadcastReq{payload: payload, done: done}) {
		return BroadcastResult{}
	}
	select {
	case res := <-done:
		return res
	case <-m.quit:
		return BroadcastResult{}
	}
}

// Cleanup tears down every connection and resets the manager to empty. It is
// idempotent and the manager stays usable afterwards.
func (m *Manager) Cleanup() {
	done := make(chan struct{})
	if !m.post(cleanupReq{done: done}) {
		return
	}
	select {
	case <-done:
	case <-m.quit:
	}
}

// Snapshot reports the connection state for one target.
func (m *Manager) Snapshot(targetID string) (LinkSnapshot, bool) {
	done := make(chan snapshotResp, 1)
	if !m.post(snapshotReq{target: targetID, done: done}) {
		return LinkSnapshot{}, false
	}
	select {
	case resp := <-done:
		return resp.snap, resp.ok
	case <-m.quit:
		return LinkSnapshot{}, false
	}
}

// Close runs Cleanup, stops the dispatch loop, and cancels the relay
// subscription.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.Cleanup()
		close(m.quit)
		if m.cancelSub != nil {
			m.cancelSub()
		}
		close(m.deliveries)
	})
}

func (m *Manager) post(ev event) bool {
	select {
	case m.events <- ev:
		return true
	case <-m.quit:
		return false
	}
}

func (m *Manager) wait(done chan error) error {
	select {
	case err := <-done:
		return err
	case <-m.quit:
		return ErrManagerClosed
	}
}

func (m *Manager) run() {
	for {
		select {
		case <-m.quit:
			return
		case ev := <-m.events:
			m.handle(ev)
		}
	}
}

func (m *Manager) deliver() {
	for in := range m.deliveries {
		if m.onMessage != nil {
			m.onMessage(in.senderID, in.payload)
		}
	}
}

func (m *Manager) handle(ev event) {
	switch ev := ev.(type) {
	case connectReq:
		ev.done <- m.handleConnect(ev.target)
	case sendReq:
		ev.done <- m.handleSend(ev.target, ev.payload)
	case broadcastReq:
		ev.done <- m.handleBroadcast(ev.payload)
	case cleanupReq:
		m.handleCleanup()
		close(ev.done)
	case snapshotReq:
		ev.done <- m.handleSnapshot(ev.target)
	case signalIn:
		m.handleSignal(ev.msg)
	case stateChange:
		m.handleStateChange(ev)
	case channelUp:
		m.handleChannelUp(ev)
	case channelDown:
		m.handleChannelDown(ev)
	case channelMessage:
		if l, ok := m.links[ev.target]; ok && l.epoch == ev.epoch {
			select {
			case m.deliveries <- inbound{senderID: ev.target, payload: ev.payload}:
			case <-m.quit:
			}
		}
	case retryFire:
		m.handleRetry(ev)
	case candidateOut:
		m.handleCandidateOut(ev)
	}
}

func (m *Manager) handleConnect(target string) error {
	l, ok := m.links[target]
	if ok {
		switch l.phase {
		case PhaseConnecting, PhaseConnected:
			return nil
		case PhaseFailed:
			if m.clock.Now().Sub(l.lastAttemptAt) < m.cooldown {
				if l.attemptCount >= m.maxAttempts {
					return ErrConnectionTimeout
				}
				// A retry timer is already pending.
				return nil
			}
			if l.attemptCount >= m.maxAttempts {
				// Explicit revival of a terminal state.
				l.attemptCount = 0
			}
		}
	} else {
		l = &link{targetID: target, phase: PhaseIdle}
		m.links[target] = l
	}
	return m.startInitiator(l)
}

func (m *Manager) startInitiator(l *link) error {
	m.teardownLink(l)
	l.role = RoleInitiator
	l.phase = PhaseConnecting
	l.attemptCount++
	l.lastAttemptAt = m.clock.Now()
	l.epoch = m.nextEpoch()
	m.metrics.Inc(metrics.ConnectAttempt)

	pc, err := m.newPeerConnection(l.targetID, l.epoch)
	if err != nil {
		m.failLink(l, fmt.Errorf("creating peer connection: %w", err))
		return err
	}
	l.pc = pc

	ordered := true
	retransmits := dataChannelMaxRetransmits
	dc, err := pc.CreateDataChannel(dataChannelLabel, &webrtc.DataChannelInit{
		Ordered:        &ordered,
		MaxRetransmits: &retransmits,
	})
	if err != nil {
		m.failLink(l, fmt.Errorf("creating data channel: %w", err))
		return err
	}
	m.wireChannel(l.targetID, l.epoch, dc)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		m.failLink(l, fmt.Errorf("creating offer: %w", err))
		return err
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		m.failLink(l, fmt.Errorf("applying local offer: %w", err))
		return err
	}

	sdp := signaling.SDPFromPion(offer)
	if err := m.publish(signaling.Message{
		SessionID:  m.sessionID,
		SenderID:   m.deviceID,
		ReceiverID: l.targetID,
		Kind:       signaling.KindOffer,
		SDP:        &sdp,
		Timestamp:  m.clock.Now().UnixMilli(),
	}); err != nil {
		m.failLink(l, err)
		return err
	}
	slog.Info("sent offer", "target", l.targetID, "attempt", l.attemptCount)
	return nil
}

func (m *Manager) handleSignal(msg signaling.Message) {
	if msg.SessionID != "" && msg.SessionID != m.sessionID {
		slog.Warn("dropping signal for foreign session",
			"session_id", msg.SessionID, "sender", msg.SenderID)
		return
	}
	switch msg.Kind {
	case signaling.KindOffer:
		m.handleOffer(msg)
	case signaling.KindAnswer:
		m.handleAnswer(msg)
	case signaling.KindCandidate:
		m.handleCandidate(msg)
	default:
		slog.Warn("dropping signal of unknown kind", "kind", msg.Kind)
	}
}

func (m *Manager) handleOffer(msg signaling.Message) {
	sender := msg.SenderID
	l, ok := m.links[sender]
	if !ok {
		l = &link{targetID: sender, phase: PhaseIdle}
		m.links[sender] = l
	} else {
		// A fresh offer supersedes whatever negotiation state we had.
		// Renegotiation restarts clean.
		m.teardownLink(l)
	}
	l.role = RoleResponder
	l.phase = PhaseConnecting
	l.lastAttemptAt = m.clock.Now()
	l.epoch = m.nextEpoch()

	pc, err := m.newPeerConnection(sender, l.epoch)
	if err != nil {
		m.failLink(l, fmt.Errorf("creating peer connection: %w", err))
		return
	}
	l.pc = pc
	target, epoch := sender, l.epoch
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		m.wireChannel(target, epoch, dc)
	})

	desc, err := msg.SDP.ToPion()
	if err != nil {
		m.failLink(l, fmt.Errorf("decoding offer: %w", err))
		return
	}
	if err := pc.SetRemoteDescription(desc); err != nil {
		m.failLink(l, fmt.Errorf("applying remote offer: %w", err))
		return
	}
	l.remoteSet = true
	m.flushCandidates(l)

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		m.failLink(l, fmt.Errorf("creating answer: %w", err))
		return
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		m.failLink(l, fmt.Errorf("applying local answer: %w", err))
		return
	}

	sdp := signaling.SDPFromPion(answer)
	if err := m.publish(signaling.Message{
		SessionID:  m.sessionID,
		SenderID:   m.deviceID,
		ReceiverID: sender,
		Kind:       signaling.KindAnswer,
		SDP:        &sdp,
		Timestamp:  m.clock.Now().UnixMilli(),
	}); err != nil {
		m.failLink(l, err)
		return
	}
	slog.Info("sent answer", "target", sender)
}

func (m *Manager) handleAnswer(msg signaling.Message) {
	l, ok := m.links[msg.SenderID]
	if !ok || l.role != RoleInitiator || l.pc == nil {
		slog.Warn("dropping answer with no pending offer", "sender", msg.SenderID)
		return
	}
	if l.remoteSet {
		slog.Warn("dropping duplicate answer", "sender", msg.SenderID)
		return
	}
	desc, err := msg.SDP.ToPion()
	if err != nil {
		m.failLink(l, fmt.Errorf("decoding answer: %w", err))
		return
	}
	if err := l.pc.SetRemoteDescription(desc); err != nil {
		m.failLink(l, fmt.Errorf("applying remote answer: %w", err))
		return
	}
	l.remoteSet = true
	m.flushCandidates(l)
}

func (m *Manager) handleCandidate(msg signaling.Message) {
	sender := msg.SenderID
	init := msg.Candidate.ToPion()
	l, ok := m.links[sender]
	if !ok || !l.remoteSet || l.pc == nil {
		// Candidates may outrun the offer/answer round trip. Buffer per
		// sender until the remote description lands.
		m.pending[sender] = append(m.pending[sender], init)
		return
	}
	if err := l.pc.AddICECandidate(init); err != nil {
		slog.Warn("rejected ice candidate", "sender", sender, "err", err)
	}
}

// flushCandidates applies l's buffered candidates in arrival order, then
// clears the buffer.
func (m *Manager) flushCandidates(l *link) {
	buffered := m.pending[l.targetID]
	delete(m.pending, l.targetID)
	for _, init := range buffered {
		if err := l.pc.AddICECandidate(init); err != nil {
			slog.Warn("rejected buffered ice candidate", "sender", l.targetID, "err", err)
		}
	}
}

func (m *Manager) handleStateChange(ev stateChange) {
	l, ok := m.links[ev.target]
	if !ok || l.epoch != ev.epoch {
		return
	}
	switch ev.state {
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		m.failLink(l, fmt.Errorf("peer connection %s", ev.state))
	}
}

func (m *Manager) handleChannelUp(ev channelUp) {
	l, ok := m.links[ev.target]
	if !ok || l.epoch != ev.epoch {
		return
	}
	l.channel = ev.dc
	l.phase = PhaseConnected
	l.attemptCount = 0
	if t := l.retryTimer; t != nil {
		t.Stop()
		l.retryTimer = nil
	}
	slog.Info("data channel open", "target", ev.target, "role", l.role)
}

func (m *Manager) handleChannelDown(ev channelDown) {
	l, ok := m.links[ev.target]
	if !ok || l.epoch != ev.epoch || l.phase != PhaseConnected {
		return
	}
	m.failLink(l, fmt.Errorf("data channel closed"))
}

func (m *Manager) handleRetry(ev retryFire) {
	l, ok := m.links[ev.target]
	if !ok || l.epoch != ev.epoch || l.phase != PhaseFailed {
		return
	}
	m.metrics.Inc(metrics.ConnectRetry)
	if err := m.startInitiator(l); err != nil {
		slog.Warn("retry attempt failed", "target", ev.target, "err", err)
	}
}

func (m *Manager) handleCandidateOut(ev candidateOut) {
	l, ok := m.links[ev.target]
	if !ok || l.epoch != ev.epoch {
		return
	}
	cand := signaling.CandidateFromPion(ev.init)
	err := m.publish(signaling.Message{
		SessionID:  m.sessionID,
		SenderID:   m.deviceID,
		ReceiverID: ev.target,
		Kind:       signaling.KindCandidate,
		Candidate:  &cand,
		Timestamp:  m.clock.Now().UnixMilli(),
	})
	if err != nil {
		slog.Warn("publishing ice candidate failed", "target", ev.target, "err", err)
	}
}

func (m *Manager) handleSend(target string, payload []byte) error {
	l, ok := m.links[target]
	if !ok || l.phase != PhaseConnected || l.channel == nil {
		return ErrChannelNotOpen
	}
	if err := l.channel.Send(payload); err != nil {
		return fmt.Errorf("sending on data channel: %w", err)
	}
	m.metrics.Inc(metrics.DirectSend)
	return nil
}

func (m *Manager) handleBroadcast(payload []byte) BroadcastResult {
	targets := make([]string, 0, len(m.links))
	for target := range m.links {
		targets = append(targets, target)
	}
	sort.Strings(targets)

	var res BroadcastResult
	for _, target := range targets {
		if err := m.handleSend(target, payload); err != nil {
			res.NeedsFallback = append(res.NeedsFallback, target)
			continue
		}
		res.Direct = append(res.Direct, target)
	}
	return res
}

func (m *Manager) handleCleanup() {
	for _, l := range m.links {
		m.teardownLink(l)
	}
	m.links = make(map[string]*link)
	m.pending = make(map[string][]webrtc.ICECandidateInit)
}

func (m *Manager) handleSnapshot(target string) snapshotResp {
	l, ok := m.links[target]
	buffered := len(m.pending[target])
	if !ok {
		if buffered == 0 {
			return snapshotResp{}
		}
		return snapshotResp{
			snap: LinkSnapshot{TargetID: target, Phase: PhaseIdle, BufferedCandidates: buffered},
			ok:   true,
		}
	}
	return snapshotResp{
		snap: LinkSnapshot{
			TargetID:           l.targetID,
			Role:               l.role,
			Phase:              l.phase,
			AttemptCount:       l.attemptCount,
			LastAttemptAt:      l.lastAttemptAt,
			BufferedCandidates: buffered,
		},
		ok: true,
	}
}

// failLink tears the link down and, for initiators with attempt budget
// remaining, schedules exactly one retry after the cooldown.
func (m *Manager) failLink(l *link, cause error) {
	if l.phase == PhaseClosed {
		return
	}
	slog.Warn("peer link failed",
		"target", l.targetID, "attempt", l.attemptCount, "err", cause)
	m.teardownLink(l)
	l.phase = PhaseFailed
	l.epoch = m.nextEpoch()

	if l.role != RoleInitiator {
		// Responders do not retry; a fresh offer restarts them.
		return
	}
	if l.attemptCount >= m.maxAttempts {
		m.metrics.Inc(metrics.ConnectExhausted)
		slog.Warn("peer connection attempts exhausted", "target", l.targetID)
		return
	}
	target, epoch := l.targetID, l.epoch
	l.retryTimer = time.AfterFunc(m.cooldown, func() {
		m.post(retryFire{target: target, epoch: epoch})
	})
}

// teardownLink releases the link's connection resources without touching its
// attempt accounting.
func (m *Manager) teardownLink(l *link) {
	if t := l.retryTimer; t != nil {
		t.Stop()
		l.retryTimer = nil
	}
	if l.pc != nil {
		if err := l.pc.Close(); err != nil {
			slog.Warn("closing peer connection", "target", l.targetID, "err", err)
		}
		l.pc = nil
	}
	l.channel = nil
	l.remoteSet = false
}

func (m *Manager) newPeerConnection(target string, epoch uint64) (*webrtc.PeerConnection, error) {
	pc, err := m.api.NewPeerConnection(webrtc.Configuration{ICEServers: m.iceServers})
	if err != nil {
		return nil, err
	}
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		m.post(candidateOut{target: target, epoch: epoch, init: c.ToJSON()})
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		m.post(stateChange{target: target, epoch: epoch, state: state})
	})
	return pc, nil
}

func (m *Manager) wireChannel(target string, epoch uint64, dc *webrtc.DataChannel) {
	dc.OnOpen(func() {
		m.post(channelUp{target: target, epoch: epoch, dc: dc})
	})
	dc.OnClose(func() {
		m.post(channelDown{target: target, epoch: epoch})
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		m.post(channelMessage{target: target, epoch: epoch, payload: msg.Data})
	})
}

func (m *Manager) publish(msg signaling.Message) error {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	return m.relay.Publish(ctx, msg)
}

func (m *Manager) nextEpoch() uint64 {
	m.lastEpoch++
	return m.lastEpoch
}
