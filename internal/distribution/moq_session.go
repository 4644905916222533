package distribution

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/loopcast/internal/media"
	"github.com/zsiec/loopcast/internal/moq"
)

// statsInterval is how often the stats track publishes a snapshot.
const statsInterval = time.Second

// maxRequestID is the request quota granted to every client.
const maxRequestID = 100

// trackSub holds state for one track subscription within a session.
type trackSub struct {
	requestID  uint64
	trackAlias uint64
	trackName  string
	videoCh    chan *media.VideoFrame
	cancel     context.CancelFunc
}

var _ Viewer = (*MoQSession)(nil)

// StatsProviderFunc resolves the StatsProvider for a stream key lazily.
type StatsProviderFunc func(streamKey string) StatsProvider

// MoQSessionConfig holds the parameters for a new session.
type MoQSessionConfig struct {
	ID            string
	RemoteAddr    string
	Control       io.ReadWriter
	OpenStream    streamOpener
	Relay         *Relay
	StreamKey     string
	StatsProvider StatsProviderFunc
	Log           *slog.Logger
}

// MoQSession serves one MoQ subscriber. It implements Viewer so the Relay
// can fan frames out to it; each subscribed track has its own write loop.
type MoQSession struct {
	id            string
	remoteAddr    string
	log           *slog.Logger
	streamKey     string
	control       io.ReadWriter
	controlReader *bufio.Reader
	openStream    streamOpener
	relay         *Relay
	statsProvider StatsProviderFunc
	statsEvery    time.Duration
	controlMu     sync.Mutex

	mu             sync.RWMutex
	subscriptions  map[string]*trackSub
	nextTrackAlias uint64

	damagedLoop atomic.Uint32
	closed      atomic.Bool

	videoSent     atomic.Int64
	videoDropped  atomic.Int64
	bytesSent     atomic.Int64
	groupsOpened  atomic.Int64
	lastVideoTsMS atomic.Int64
}

// NewMoQSession creates a session over an accepted control stream.
func NewMoQSession(cfg MoQSessionConfig) *MoQSession {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &MoQSession{
		id:            cfg.ID,
		remoteAddr:    cfg.RemoteAddr,
		log:           log.With("component", "moq-session", "session", cfg.ID),
		streamKey:     cfg.StreamKey,
		control:       cfg.Control,
		controlReader: bufio.NewReader(cfg.Control),
		openStream:    cfg.OpenStream,
		relay:         cfg.Relay,
		statsProvider: cfg.StatsProvider,
		statsEvery:    statsInterval,
		subscriptions: make(map[string]*trackSub),
	}
}

// ID returns the session identifier.
func (m *MoQSession) ID() string { return m.id }

// StreamKey returns the stream this session is attached to.
func (m *MoQSession) StreamKey() string { return m.streamKey }

// attach binds the session to a stream after setup resolved its key.
func (m *MoQSession) attach(streamKey string, relay *Relay) {
	m.streamKey = streamKey
	m.relay = relay
	m.log = m.log.With("stream_key", streamKey)
}

// handleSetup performs the CLIENT_SETUP / SERVER_SETUP exchange and returns
// the stream key named by the PATH parameter, without its leading slash.
func (m *MoQSession) handleSetup() (string, error) {
	msgType, payload, err := moq.ReadControlMsg(m.controlReader)
	if err != nil {
		return "", fmt.Errorf("read CLIENT_SETUP: %w", err)
	}
	if msgType != moq.MsgClientSetup {
		return "", fmt.Errorf("%w: got %s before CLIENT_SETUP", moq.ErrUnexpectedMessage, moq.MsgName(msgType))
	}

	cs, err := moq.ParseClientSetup(payload)
	if err != nil {
		return "", fmt.Errorf("parse CLIENT_SETUP: %w", err)
	}

	versionOK := false
	for _, v := range cs.Versions {
		if v == moq.Version {
			versionOK = true
			break
		}
	}
	if !versionOK {
		return "", fmt.Errorf("%w (client offered %v)", moq.ErrVersionMismatch, cs.Versions)
	}

	ss := moq.ServerSetup{SelectedVersion: moq.Version, MaxRequestID: maxRequestID}
	if err := m.writeControl(moq.MsgServerSetup, moq.SerializeServerSetup(ss)); err != nil {
		return "", fmt.Errorf("write SERVER_SETUP: %w", err)
	}
	if err := m.writeControl(moq.MsgMaxRequestID, moq.SerializeMaxRequestID(maxRequestID)); err != nil {
		return "", fmt.Errorf("write MAX_REQUEST_ID: %w", err)
	}

	return strings.TrimPrefix(cs.Path, "/"), nil
}

func (m *MoQSession) writeControl(msgType uint64, payload []byte) error {
	m.controlMu.Lock()
	defer m.controlMu.Unlock()
	return moq.WriteControlMsg(m.control, msgType, payload)
}

// Run serves control messages until ctx is done or the control stream
// fails, then sends GOAWAY and cancels every subscription.
func (m *MoQSession) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		defer cancel()
		m.readControlLoop(ctx)
	}()

	<-ctx.Done()
	m.closed.Store(true)

	_ = m.writeControl(moq.MsgGoAway, moq.SerializeGoAway(moq.GoAway{}))

	m.mu.Lock()
	for _, sub := range m.subscriptions {
		sub.cancel()
	}
	m.subscriptions = make(map[string]*trackSub)
	m.mu.Unlock()

	return ctx.Err()
}

func (m *MoQSession) readControlLoop(ctx context.Context) {
	for ctx.Err() == nil {
		msgType, payload, err := moq.ReadControlMsg(m.controlReader)
		if err != nil {
			if ctx.Err() == nil {
				m.log.Debug("control read error", "error", err)
			}
			return
		}

		switch msgType {
		case moq.MsgSubscribe:
			sub, err := moq.ParseSubscribe(payload)
			if err != nil {
				m.log.Warn("bad SUBSCRIBE", "error", err)
				continue
			}
			m.handleSubscribe(ctx, sub)

		case moq.MsgUnsubscribe:
			unsub, err := moq.ParseUnsubscribe(payload)
			if err != nil {
				m.log.Warn("bad UNSUBSCRIBE", "error", err)
				continue
			}
			m.handleUnsubscribe(unsub)

		case moq.MsgMaxRequestID:
			m.log.Debug("MAX_REQUEST_ID from client")

		default:
			m.log.Debug("ignoring control message", "type", moq.MsgName(msgType))
		}
	}
}

func (m *MoQSession) handleSubscribe(ctx context.Context, sub moq.Subscribe) {
	if len(sub.Namespace) != 2 || sub.Namespace[0] != Namespace || sub.Namespace[1] != m.streamKey {
		m.sendSubscribeError(sub.RequestID, moq.SubscribeErrTrackNotExist, moq.ErrUnknownNamespace.Error())
		return
	}
	if sub.FilterType != moq.FilterNextGroupStart && sub.FilterType != moq.FilterLatestObject {
		m.sendSubscribeError(sub.RequestID, moq.SubscribeErrNotSupported, moq.ErrUnsupportedFilter.Error())
		return
	}

	m.mu.Lock()
	_, dup := m.subscriptions[sub.TrackName]
	alias := m.nextTrackAlias
	if !dup {
		m.nextTrackAlias++
	}
	m.mu.Unlock()
	if dup {
		m.sendSubscribeError(sub.RequestID, moq.SubscribeErrInternal, "already subscribed")
		return
	}

	switch sub.TrackName {
	case TrackCatalog:
		m.handleCatalogSubscribe(ctx, sub, alias)
	case TrackVideo:
		m.handleVideoSubscribe(ctx, sub, alias)
	case TrackStats:
		m.handleStatsSubscribe(ctx, sub, alias)
	default:
		m.sendSubscribeError(sub.RequestID, moq.SubscribeErrTrackNotExist, moq.ErrUnknownTrack.Error())
	}
}

// handleCatalogSubscribe delivers the catalog, then confirms.
func (m *MoQSession) handleCatalogSubscribe(ctx context.Context, sub moq.Subscribe, alias uint64) {
	catalogJSON, err := buildCatalog(m.streamKey, m.relay.VideoInfo())
	if err != nil {
		m.sendSubscribeError(sub.RequestID, moq.SubscribeErrInternal, "catalog build failed")
		return
	}

	n, err := writeCatalogObject(ctx, m.openStream, alias, catalogJSON)
	if err != nil {
		m.log.Warn("catalog delivery failed", "error", err)
		m.sendSubscribeError(sub.RequestID, moq.SubscribeErrInternal, "catalog delivery failed")
		return
	}
	m.bytesSent.Add(n)

	m.sendSubscribeOK(sub.RequestID, alias, true, 0, 0)
}

// handleVideoSubscribe starts the video write loop. The cached frames of
// the current loop iteration are queued first so decoding can start at
// once.
func (m *MoQSession) handleVideoSubscribe(ctx context.Context, sub moq.Subscribe, alias uint64) {
	subCtx, subCancel := context.WithCancel(ctx)
	ts := &trackSub{
		requestID:  sub.RequestID,
		trackAlias: alias,
		trackName:  TrackVideo,
		videoCh:    make(chan *media.VideoFrame, media.VideoBufferSize),
		cancel:     subCancel,
	}

	n := m.relay.ReplayGOPToChannel(ts.videoCh, func(skipped *media.VideoFrame) {
		// The tail of the loop did not fit: live deltas of that loop would
		// follow a gap, so they are dropped until the next key frame.
		if skipped != nil {
			m.damagedLoop.Store(skipped.Loop + 1)
		}
		m.mu.Lock()
		m.subscriptions[TrackVideo] = ts
		m.mu.Unlock()
	})
	if n > 0 {
		m.log.Debug("replayed cached frames into video channel", "frames", n)
	}
	go m.writeVideoLoop(subCtx, ts)

	m.sendSubscribeOK(sub.RequestID, alias, false, 0, 0)
	m.log.Debug("track subscribed", "track", TrackVideo, "alias", alias, "request_id", sub.RequestID)
}

func (m *MoQSession) handleStatsSubscribe(ctx context.Context, sub moq.Subscribe, alias uint64) {
	subCtx, subCancel := context.WithCancel(ctx)
	ts := &trackSub{
		requestID:  sub.RequestID,
		trackAlias: alias,
		trackName:  TrackStats,
		cancel:     subCancel,
	}

	m.mu.Lock()
	m.subscriptions[TrackStats] = ts
	m.mu.Unlock()

	m.sendSubscribeOK(sub.RequestID, alias, false, 0, 0)
	go m.writeStatsLoop(subCtx, ts)
}

func (m *MoQSession) handleUnsubscribe(unsub moq.Unsubscribe) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for name, sub := range m.subscriptions {
		if sub.requestID == unsub.RequestID {
			sub.cancel()
			delete(m.subscriptions, name)
			m.log.Debug("track unsubscribed", "track", name, "request_id", unsub.RequestID)
			return
		}
	}
}

// endSubscription removes sub when its write loop stops, so a track whose
// streams can no longer be written stops accepting frames.
func (m *MoQSession) endSubscription(sub *trackSub) {
	sub.cancel()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subscriptions[sub.trackName] == sub {
		delete(m.subscriptions, sub.trackName)
		m.log.Debug("track ended", "track", sub.trackName, "request_id", sub.requestID)
	}
}

func (m *MoQSession) sendSubscribeOK(requestID, alias uint64, contentExists bool, largestGroup, largestObj uint64) {
	sok := moq.SubscribeOK{
		RequestID:     requestID,
		TrackAlias:    alias,
		GroupOrder:    moq.GroupOrderAscending,
		ContentExists: contentExists,
		LargestGroup:  largestGroup,
		LargestObj:    largestObj,
	}
	if err := m.writeControl(moq.MsgSubscribeOK, moq.SerializeSubscribeOK(sok)); err != nil {
		m.log.Warn("write SUBSCRIBE_OK failed", "error", err)
	}
}

func (m *MoQSession) sendSubscribeError(requestID, code uint64, reason string) {
	se := moq.SubscribeError{RequestID: requestID, ErrorCode: code, ReasonPhrase: reason}
	if err := m.writeControl(moq.MsgSubscribeError, moq.SerializeSubscribeError(se)); err != nil {
		m.log.Warn("write SUBSCRIBE_ERROR failed", "error", err)
	}
}

// SendVideo queues a frame on the video subscription, if any.
func (m *MoQSession) SendVideo(frame *media.VideoFrame) {
	m.mu.RLock()
	sub := m.subscriptions[TrackVideo]
	m.mu.RUnlock()

	if sub == nil {
		return
	}
	trySendVideo(frame, sub.videoCh, &m.damagedLoop, &m.videoSent, &m.videoDropped)
}

// Stats returns delivery metrics for this session.
func (m *MoQSession) Stats() ViewerStats {
	return ViewerStats{
		ID:            m.id,
		Transport:     "moq",
		RemoteAddr:    m.remoteAddr,
		VideoSent:     m.videoSent.Load(),
		VideoDropped:  m.videoDropped.Load(),
		BytesSent:     m.bytesSent.Load(),
		GroupsOpened:  m.groupsOpened.Load(),
		LastVideoTsMS: m.lastVideoTsMS.Load(),
	}
}

// writeVideoLoop maps each loop iteration to one MoQ group: a key frame
// closes the current stream and opens a new one whose group ID is the loop
// number. Deltas received before the first key frame are skipped.
func (m *MoQSession) writeVideoLoop(ctx context.Context, sub *trackSub) {
	defer m.endSubscription(sub)

	var stream io.WriteCloser
	var ow *moq.ObjectWriter

	closeStream := func() {
		if stream != nil {
			stream.Close()
			stream, ow = nil, nil
		}
	}
	defer closeStream()

	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-sub.videoCh:
			if frame.IsKeyframe {
				closeStream()

				s, err := m.openStream(ctx)
				if err != nil {
					m.log.Debug("video stream open failed", "error", err)
					return
				}
				w, err := moq.NewObjectWriter(s, moq.SubgroupHeader{
					TrackAlias: sub.trackAlias,
					GroupID:    uint64(frame.Loop),
					Priority:   priorityVideo,
				})
				if err != nil {
					s.Close()
					m.log.Debug("video header write failed", "error", err)
					return
				}
				stream, ow = s, w
				m.groupsOpened.Add(1)
				m.bytesSent.Add(ow.Written())
			}

			if ow == nil {
				continue
			}

			n, err := ow.WriteVideo(frame.Data, uint64(frame.PTS), frame.IsKeyframe)
			if err != nil {
				m.log.Debug("video frame write failed", "error", err)
				return
			}
			m.bytesSent.Add(n)
			m.lastVideoTsMS.Store(frame.PTS / 1000)
		}
	}
}

// writeStatsLoop publishes one snapshot per stream, one group per update.
func (m *MoQSession) writeStatsLoop(ctx context.Context, sub *trackSub) {
	defer m.endSubscription(sub)

	ticker := time.NewTicker(m.statsEvery)
	defer ticker.Stop()

	var groupID uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if m.closed.Load() || m.statsProvider == nil {
			continue
		}
		provider := m.statsProvider(m.streamKey)
		if provider == nil {
			continue
		}

		viewerStats := m.Stats()
		data, err := json.Marshal(statsMessage{
			Type:        "stats",
			Stats:       provider.StreamSnapshot(),
			ViewerStats: &viewerStats,
		})
		if err != nil {
			continue
		}

		if err := m.writeSingleObject(ctx, sub.trackAlias, groupID, priorityStats, data); err != nil {
			m.log.Debug("stats write failed", "error", err)
			return
		}
		groupID++
	}
}

// writeSingleObject writes payload as the only object of a new group.
func (m *MoQSession) writeSingleObject(ctx context.Context, alias, group uint64, priority byte, payload []byte) error {
	stream, err := m.openStream(ctx)
	if err != nil {
		return err
	}
	defer stream.Close()

	ow, err := moq.NewObjectWriter(stream, moq.SubgroupHeader{TrackAlias: alias, GroupID: group, Priority: priority})
	if err != nil {
		return err
	}
	exts := moq.AppendLOCExtensions(nil, uint64(time.Now().UnixMicro()), 0)
	if _, err := ow.WriteObject(exts, payload); err != nil {
		return err
	}
	m.bytesSent.Add(ow.Written())
	return nil
}
