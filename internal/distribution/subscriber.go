package distribution

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/zsiec/loopcast/internal/moq"
)

// ErrSubscriberClosed is returned by Track.Next once the connection is gone.
var ErrSubscriberClosed = errors.New("distribution: subscriber closed")

// trackBuffer is the number of objects buffered per track alias.
const trackBuffer = 256

// Received is one object together with the group it was carried in.
type Received struct {
	GroupID uint64
	Object  *moq.Object
}

// Track is an accepted subscription.
type Track struct {
	Name      string
	Alias     uint64
	RequestID uint64

	objects <-chan Received
	done    <-chan struct{}
}

// Next returns the next object of the track in arrival order.
func (t *Track) Next(ctx context.Context) (Received, error) {
	select {
	case r := <-t.objects:
		return r, nil
	case <-ctx.Done():
		return Received{}, ctx.Err()
	case <-t.done:
		select {
		case r := <-t.objects:
			return r, nil
		default:
			return Received{}, ErrSubscriberClosed
		}
	}
}

type subscribeResult struct {
	ok  moq.SubscribeOK
	err error
}

// Subscriber is a MoQ client for one stream over native QUIC. It is used
// by the example player and by the end-to-end tests.
type Subscriber struct {
	conn      quic.Connection
	control   quic.Stream
	ctrlR     *bufio.Reader
	streamKey string
	log       *slog.Logger

	writeMu sync.Mutex

	mu            sync.Mutex
	nextRequestID uint64
	pending       map[uint64]chan subscribeResult
	byAlias       map[uint64]chan Received

	goAway chan struct{}
	once   sync.Once
}

// Dial connects to a MoQ server at addr and completes setup for streamKey.
// tlsConf should pin the server certificate (see certs.PinnedClientTLSConfig);
// the MoQ ALPN is added if missing.
func Dial(ctx context.Context, addr, streamKey string, tlsConf *tls.Config, log *slog.Logger) (*Subscriber, error) {
	if log == nil {
		log = slog.Default()
	}
	tlsConf = tlsConf.Clone()
	if len(tlsConf.NextProtos) == 0 {
		tlsConf.NextProtos = []string{moq.ALPN}
	}

	conn, err := quic.DialAddr(ctx, addr, tlsConf, &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 10 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	control, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(closeControlStream, "control stream error")
		return nil, fmt.Errorf("open control stream: %w", err)
	}

	s := &Subscriber{
		conn:      conn,
		control:   control,
		ctrlR:     bufio.NewReader(control),
		streamKey: streamKey,
		log:       log.With("component", "moq-subscriber", "stream_key", streamKey),
		pending:   make(map[uint64]chan subscribeResult),
		byAlias:   make(map[uint64]chan Received),
		goAway:    make(chan struct{}),
	}

	if err := s.setup(); err != nil {
		conn.CloseWithError(closeSetupFailed, "setup failed")
		return nil, err
	}

	go s.readControlLoop()
	go s.acceptDataLoop()
	return s, nil
}

func (s *Subscriber) setup() error {
	cs := moq.ClientSetup{
		Versions:     []uint64{moq.Version},
		Path:         "/" + s.streamKey,
		HasPath:      true,
		MaxRequestID: maxRequestID,
	}
	if err := s.writeControl(moq.MsgClientSetup, moq.SerializeClientSetup(cs)); err != nil {
		return fmt.Errorf("write CLIENT_SETUP: %w", err)
	}

	msgType, payload, err := moq.ReadControlMsg(s.ctrlR)
	if err != nil {
		return fmt.Errorf("read SERVER_SETUP: %w", err)
	}
	if msgType != moq.MsgServerSetup {
		return fmt.Errorf("%w: got %s before SERVER_SETUP", moq.ErrUnexpectedMessage, moq.MsgName(msgType))
	}
	ss, err := moq.ParseServerSetup(payload)
	if err != nil {
		return fmt.Errorf("parse SERVER_SETUP: %w", err)
	}
	if ss.SelectedVersion != moq.Version {
		return fmt.Errorf("%w: server selected 0x%x", moq.ErrVersionMismatch, ss.SelectedVersion)
	}
	return nil
}

func (s *Subscriber) writeControl(msgType uint64, payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return moq.WriteControlMsg(s.control, msgType, payload)
}

func (s *Subscriber) readControlLoop() {
	defer s.failPending(ErrSubscriberClosed)

	for {
		msgType, payload, err := moq.ReadControlMsg(s.ctrlR)
		if err != nil {
			s.log.Debug("control stream ended", "error", err)
			return
		}

		switch msgType {
		case moq.MsgSubscribeOK:
			sok, err := moq.ParseSubscribeOK(payload)
			if err != nil {
				s.log.Warn("bad SUBSCRIBE_OK", "error", err)
				continue
			}
			s.resolve(sok.RequestID, subscribeResult{ok: sok})

		case moq.MsgSubscribeError:
			se, err := moq.ParseSubscribeError(payload)
			if err != nil {
				s.log.Warn("bad SUBSCRIBE_ERROR", "error", err)
				continue
			}
			s.resolve(se.RequestID, subscribeResult{err: &moq.RejectedError{Code: se.ErrorCode, Reason: se.ReasonPhrase}})

		case moq.MsgGoAway:
			s.once.Do(func() { close(s.goAway) })

		default:
			s.log.Debug("ignoring control message", "type", moq.MsgName(msgType))
		}
	}
}

func (s *Subscriber) resolve(requestID uint64, res subscribeResult) {
	s.mu.Lock()
	ch, ok := s.pending[requestID]
	delete(s.pending, requestID)
	s.mu.Unlock()
	if ok {
		ch <- res
	}
}

func (s *Subscriber) failPending(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.pending {
		ch <- subscribeResult{err: err}
		delete(s.pending, id)
	}
}

// aliasChan returns the object channel for alias, creating it on first use.
// Data can arrive before the SUBSCRIBE_OK that names the alias.
func (s *Subscriber) aliasChan(alias uint64) chan Received {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.byAlias[alias]
	if !ok {
		ch = make(chan Received, trackBuffer)
		s.byAlias[alias] = ch
	}
	return ch
}

func (s *Subscriber) acceptDataLoop() {
	ctx := s.conn.Context()
	for {
		stream, err := s.conn.AcceptUniStream(ctx)
		if err != nil {
			return
		}
		go s.readDataStream(ctx, stream)
	}
}

func (s *Subscriber) readDataStream(ctx context.Context, stream io.Reader) {
	or, err := moq.NewObjectReader(stream)
	if err != nil {
		s.log.Debug("bad data stream", "error", err)
		return
	}
	ch := s.aliasChan(or.Header.TrackAlias)

	for {
		obj, err := or.ReadObject()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Debug("data stream read failed", "group", or.Header.GroupID, "error", err)
			}
			return
		}
		select {
		case ch <- Received{GroupID: or.Header.GroupID, Object: obj}:
		case <-ctx.Done():
			return
		}
	}
}

// Subscribe requests a track of the stream and waits for the answer. A
// SUBSCRIBE_ERROR is returned as *moq.RejectedError.
func (s *Subscriber) Subscribe(ctx context.Context, track string) (*Track, error) {
	res := make(chan subscribeResult, 1)

	s.mu.Lock()
	reqID := s.nextRequestID
	s.nextRequestID += 2
	s.pending[reqID] = res
	s.mu.Unlock()

	sub := moq.Subscribe{
		RequestID:  reqID,
		Namespace:  []string{Namespace, s.streamKey},
		TrackName:  track,
		Priority:   priorityVideo,
		GroupOrder: moq.GroupOrderAscending,
		Forward:    1,
		FilterType: moq.FilterNextGroupStart,
	}
	if err := s.writeControl(moq.MsgSubscribe, moq.SerializeSubscribe(sub)); err != nil {
		s.mu.Lock()
		delete(s.pending, reqID)
		s.mu.Unlock()
		return nil, fmt.Errorf("write SUBSCRIBE: %w", err)
	}

	select {
	case r := <-res:
		if r.err != nil {
			var rej *moq.RejectedError
			if errors.As(r.err, &rej) {
				rej.Track = track
			}
			return nil, r.err
		}
		return &Track{
			Name:      track,
			Alias:     r.ok.TrackAlias,
			RequestID: reqID,
			objects:   s.aliasChan(r.ok.TrackAlias),
			done:      s.conn.Context().Done(),
		}, nil
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.pending, reqID)
		s.mu.Unlock()
		return nil, ctx.Err()
	case <-s.conn.Context().Done():
		return nil, ErrSubscriberClosed
	}
}

// Unsubscribe cancels a subscription.
func (s *Subscriber) Unsubscribe(t *Track) error {
	return s.writeControl(moq.MsgUnsubscribe, moq.SerializeUnsubscribe(moq.Unsubscribe{RequestID: t.RequestID}))
}

// Catalog subscribes to the catalog track and decodes its first object.
func (s *Subscriber) Catalog(ctx context.Context) (*Catalog, error) {
	t, err := s.Subscribe(ctx, TrackCatalog)
	if err != nil {
		return nil, err
	}
	r, err := t.Next(ctx)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	var c Catalog
	if err := json.Unmarshal(r.Object.Payload, &c); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	return &c, nil
}

// GoAway is closed when the server announces it is going away.
func (s *Subscriber) GoAway() <-chan struct{} { return s.goAway }

// Close terminates the connection.
func (s *Subscriber) Close() error {
	return s.conn.CloseWithError(closeNoError, "")
}
