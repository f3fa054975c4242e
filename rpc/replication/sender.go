package replication

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"github.com/ValentinKolb/dCache/lib/codec"
	"github.com/ValentinKolb/dCache/lib/entity"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

var log = logger.GetLogger("replication")

// backoff bounds between failed accepts
const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

// --------------------------------------------------------------------------
// Sender (active side)
// --------------------------------------------------------------------------

// SessionInfo describes a sync session that is currently being served
type SessionInfo struct {
	ID      uint64
	Remote  string
	Started time.Time
}

// Sender streams sync passes of an entity to passive nodes.
// Every accepted connection receives one complete pass (state message, one data message
// per non-empty chain, end marker) and is closed afterwards.
type Sender struct {
	entity   *entity.Entity
	codec    codec.ISyncCodec
	stripe   int
	timeout  time.Duration
	metrics  *channelMetrics
	sessions *xsync.MapOf[uint64, SessionInfo]
	nextID   atomic.Uint64
}

// NewSender creates a sender for the entity. stripe is written into every frame header and
// passed to the codec as the concurrency stripe of the channel.
func NewSender(e *entity.Entity, stripe int, timeout time.Duration) *Sender {
	return &Sender{
		entity:   e,
		codec:    codec.NewBinaryCodec(),
		stripe:   stripe,
		timeout:  timeout,
		metrics:  newChannelMetrics(e.Name(), "active", "sent"),
		sessions: xsync.NewMapOf[uint64, SessionInfo](),
	}
}

// Listen accepts passive nodes on endpoint until ctx is cancelled
func (s *Sender) Listen(ctx context.Context, endpoint string) error {
	listener, err := net.Listen("tcp", endpoint)
	if err != nil {
		return fmt.Errorf("failed to create listener: %v", err)
	}
	log.Infof("Serving sync passes of entity %s on %s (stripe %d)", s.entity.Name(), listener.Addr(), s.stripe)
	return s.Serve(ctx, listener)
}

// Serve runs the accept loop on listener. Each connection is served in its own goroutine.
// It returns nil after ctx is cancelled and all sessions have finished.
func (s *Sender) Serve(ctx context.Context, listener net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = listener.Close() })
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	var backoff time.Duration
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}

			// persistent errors (e.g. out of file descriptors) must not spin the loop
			if backoff == 0 {
				backoff = minAcceptBackoff
			} else {
				backoff = min(2*backoff, maxAcceptBackoff)
			}
			log.Errorf("Accept error: %v; retrying in %v", err, backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			continue
		}
		backoff = 0

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.ServeConn(ctx, conn); err != nil {
				log.Warningf("Sync session with %s failed: %v", conn.RemoteAddr(), err)
			}
		}()
	}
}

// ServeConn writes one sync pass to conn and closes it. Cancelling ctx aborts the pass.
func (s *Sender) ServeConn(ctx context.Context, conn net.Conn) error {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := upgradeConnection(conn); err != nil {
		return fmt.Errorf("failed to configure connection: %w", err)
	}

	id := s.nextID.Add(1)
	s.sessions.Store(id, SessionInfo{ID: id, Remote: conn.RemoteAddr().String(), Started: time.Now()})
	defer s.sessions.Delete(id)

	start := time.Now()
	sc := &sessionConn{conn: conn, timeout: s.timeout}
	w := bufio.NewWriterSize(sc, 64*1024)

	state := s.entity.StateSyncMessage()
	n, err := codec.WriteSyncStream(w, s.codec, s.stripe, state, s.entity.DataSyncMessagesOf(state))
	if err == nil {
		err = w.Flush()
	}
	if err != nil && ctx.Err() != nil {
		err = fmt.Errorf("sync pass aborted: %w", ctx.Err())
	}

	frames := n + 1
	if err == nil {
		frames++
	}
	s.metrics.record(frames, sc.written, err)
	if err != nil {
		return err
	}

	log.Infof("Sent sync pass %d to %s: %d stores, %d chains, %d bytes in %s",
		id, conn.RemoteAddr(), len(state.StoreConfigs), n, sc.written, time.Since(start))
	return nil
}

// Sessions returns the sessions currently being served, ordered by id
func (s *Sender) Sessions() []SessionInfo {
	out := make([]SessionInfo, 0, s.sessions.Size())
	s.sessions.Range(func(_ uint64, info SessionInfo) bool {
		out = append(out, info)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
