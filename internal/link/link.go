// Copyright (c) 2025 simkit
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package link maintains one full-duplex framed connection to one remote
// participant or to the registry.
package link

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/simkit/simbus/internal/log"
	"github.com/simkit/simbus/internal/metrics"
	"github.com/simkit/simbus/internal/wire"
)

var (
	// ErrDisconnected is returned for sends on a closed or dead link.
	ErrDisconnected = errors.New("link: disconnected")
	// ErrRegistryUnreachable is surfaced when all dial attempts to the
	// registry are exhausted.
	ErrRegistryUnreachable = errors.New("link: registry unreachable")
)

// DefaultHeartbeatInterval is the idle interval after which a keepalive frame
// is emitted. A link with no inbound frame for three intervals is dead.
const DefaultHeartbeatInterval = time.Second

const (
	heartbeatMissLimit = 3
	defaultQueueDepth  = 512
)

// Options tunes a link's transport behavior.
type Options struct {
	TcpNoDelay        bool
	TcpQuickAck       bool
	ReceiveBufferSize int
	SendBufferSize    int
	HeartbeatInterval time.Duration // 0 selects the default; negative disables
	QueueDepth        int
}

func (o Options) heartbeat() time.Duration {
	if o.HeartbeatInterval == 0 {
		return DefaultHeartbeatInterval
	}
	if o.HeartbeatInterval < 0 {
		return 0
	}
	return o.HeartbeatInterval
}

// Receiver consumes inbound traffic and the terminal disconnect event of one
// link. OnDisconnect fires at most once, after all frames already received
// have been delivered; it does not fire when the link is closed locally.
type Receiver interface {
	OnFrame(remoteName string, env wire.Envelope)
	OnDisconnect(remoteName string, err error)
}

type sendItem struct {
	env   wire.Envelope
	flush chan struct{} // non-nil marks a flush token
}

// Link is one established connection after the announcement handshake. A
// writer goroutine drains the outbound queue; a reader goroutine parses
// frames and hands them to the Receiver.
type Link struct {
	remoteName string
	conn       net.Conn
	out        chan sendItem
	opts       Options
	recv       Receiver
	logger     zerolog.Logger

	closeOnce sync.Once
	discOnce  sync.Once
	closed    chan struct{}
	done      sync.WaitGroup
}

// New wraps an already-handshaken connection and starts its reader and
// writer. remoteName is the peer's announced participant name (or the
// registry's well-known name).
func New(conn net.Conn, remoteName string, opts Options, recv Receiver) *Link {
	applySocketOptions(conn, opts)
	depth := opts.QueueDepth
	if depth <= 0 {
		depth = defaultQueueDepth
	}
	l := &Link{
		remoteName: remoteName,
		conn:       conn,
		out:        make(chan sendItem, depth),
		opts:       opts,
		recv:       recv,
		closed:     make(chan struct{}),
		logger: log.WithComponent("link").With().
			Str(log.FieldPeer, remoteName).Logger(),
	}
	metrics.LinksActive.Inc()
	l.done.Add(2)
	go l.writeLoop()
	go l.readLoop()
	return l
}

// RemoteName returns the peer's participant name.
func (l *Link) RemoteName() string { return l.remoteName }

// Send enqueues one envelope. It blocks while the outbound queue is at its
// high-water mark and fails with ErrDisconnected once the link is closed.
func (l *Link) Send(env wire.Envelope) error {
	select {
	case <-l.closed:
		metrics.IncQueueDrop(l.remoteName, "disconnected")
		return ErrDisconnected
	default:
	}
	select {
	case l.out <- sendItem{env: env}:
		return nil
	case <-l.closed:
		metrics.IncQueueDrop(l.remoteName, "disconnected")
		return ErrDisconnected
	}
}

// Flush blocks until every send enqueued before it has been written to the
// socket.
func (l *Link) Flush() error {
	token := sendItem{flush: make(chan struct{})}
	select {
	case l.out <- token:
	case <-l.closed:
		return ErrDisconnected
	}
	select {
	case <-token.flush:
		return nil
	case <-l.closed:
		return ErrDisconnected
	}
}

// Close performs a graceful close: pending sends drain, then the socket is
// closed in both directions (there is no write-only half-close) and later
// sends fail with ErrDisconnected.
func (l *Link) Close() error {
	err := l.Flush()
	l.shutdown(nil)
	l.done.Wait()
	return err
}

// shutdown tears the link down and emits the single Disconnected event.
func (l *Link) shutdown(cause error) {
	l.closeOnce.Do(func() {
		close(l.closed)
		_ = l.conn.Close()
		metrics.LinksActive.Dec()
	})
	if cause != nil {
		l.disconnect(cause)
	}
}

func (l *Link) disconnect(cause error) {
	l.discOnce.Do(func() {
		reason := "remote_closed"
		if !errors.Is(cause, io.EOF) {
			reason = "io_error"
		}
		metrics.LinkDisconnectsTotal.WithLabelValues(reason).Inc()
		l.logger.Info().
			Str(log.FieldEvent, "link.disconnected").
			Str(log.FieldReason, reason).
			Err(cause).
			Msg("link closed")
		if l.recv != nil {
			l.recv.OnDisconnect(l.remoteName, fmt.Errorf("%w: %v", ErrDisconnected, cause))
		}
	})
}

func (l *Link) writeLoop() {
	defer l.done.Done()
	hb := l.opts.heartbeat()
	var ticker *time.Ticker
	var tick <-chan time.Time
	if hb > 0 {
		ticker = time.NewTicker(hb)
		defer ticker.Stop()
		tick = ticker.C
	}
	lastWrite := time.Now()
	for {
		select {
		case item := <-l.out:
			if item.flush != nil {
				close(item.flush)
				continue
			}
			if err := l.writeFrame(item.env); err != nil {
				l.shutdown(err)
				return
			}
			lastWrite = time.Now()
		case <-tick:
			if time.Since(lastWrite) < hb {
				continue
			}
			if err := l.writeFrame(wire.Envelope{Msg: wire.Heartbeat{}}); err != nil {
				l.shutdown(err)
				return
			}
			lastWrite = time.Now()
		case <-l.closed:
			// Drain what was enqueued before the close.
			for {
				select {
				case item := <-l.out:
					if item.flush != nil {
						close(item.flush)
						continue
					}
					if err := l.writeFrame(item.env); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (l *Link) writeFrame(env wire.Envelope) error {
	frame, err := wire.EncodeFrame(env)
	if err != nil {
		// Encode failures are local bugs; drop the message, keep the link.
		l.logger.Error().
			Str(log.FieldEvent, "link.encode_failed").
			Str(log.FieldKind, env.Msg.MessageKind().String()).
			Err(err).
			Msg("dropping unencodable message")
		metrics.IncQueueDrop(l.remoteName, "encode_error")
		return nil
	}
	if _, err := l.conn.Write(frame); err != nil {
		return err
	}
	metrics.FramesSentTotal.WithLabelValues(env.Msg.MessageKind().String()).Inc()
	return nil
}

func (l *Link) readLoop() {
	defer l.done.Done()
	hb := l.opts.heartbeat()
	for {
		if hb > 0 {
			_ = l.conn.SetReadDeadline(time.Now().Add(time.Duration(heartbeatMissLimit) * hb))
		}
		env, err := wire.ReadFrame(l.conn)
		if err != nil {
			select {
			case <-l.closed:
				// Local close; not a remote disconnect.
				l.disconnectLocalClose()
				return
			default:
			}
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				metrics.HeartbeatsMissedTotal.Inc()
				err = fmt.Errorf("no frame for %d heartbeat intervals: %w", heartbeatMissLimit, err)
			}
			if errors.Is(err, wire.ErrMalformedFrame) || errors.Is(err, wire.ErrUnknownKind) {
				metrics.DecodeErrorsTotal.WithLabelValues(decodeReason(err)).Inc()
				l.logger.Error().
					Str(log.FieldEvent, "link.decode_failed").
					Err(err).
					Msg("tearing down link after decode failure")
			}
			l.shutdown(err)
			return
		}
		metrics.FramesReceivedTotal.WithLabelValues(env.Msg.MessageKind().String()).Inc()
		if _, isHeartbeat := env.Msg.(wire.Heartbeat); isHeartbeat {
			continue
		}
		if l.recv != nil {
			l.recv.OnFrame(l.remoteName, env)
		}
	}
}

// disconnectLocalClose suppresses the receiver callback for a locally
// initiated close; the owner already knows.
func (l *Link) disconnectLocalClose() {
	l.discOnce.Do(func() {
		metrics.LinkDisconnectsTotal.WithLabelValues("local_close").Inc()
	})
}

func decodeReason(err error) string {
	if errors.Is(err, wire.ErrUnknownKind) {
		return "unknown_kind"
	}
	return "malformed_frame"
}
