package replication

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"github.com/ValentinKolb/dCache/lib/codec"
	"github.com/ValentinKolb/dCache/lib/entity"
	"github.com/ValentinKolb/dCache/lib/messages"
	"net"
	"time"
)

// --------------------------------------------------------------------------
// Receiver (passive side)
// --------------------------------------------------------------------------

// Receiver applies sync passes received from the active node to a local entity.
// A pass starts with a state message, which replaces the local state wholesale, so a
// failed pass is repaired by the next one.
type Receiver struct {
	entity  *entity.Entity
	codec   codec.ISyncCodec
	timeout time.Duration
	metrics *channelMetrics
}

// NewReceiver creates a receiver applying to e
func NewReceiver(e *entity.Entity, timeout time.Duration) *Receiver {
	return &Receiver{
		entity:  e,
		codec:   codec.NewBinaryCodec(),
		timeout: timeout,
		metrics: newChannelMetrics(e.Name(), "passive", "received"),
	}
}

// Attach dials the active node and runs one sync pass. It returns the number of chains
// applied.
func (r *Receiver) Attach(ctx context.Context, endpoint string) (int, error) {
	dialer := net.Dialer{Timeout: r.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", endpoint)
	if err != nil {
		return 0, fmt.Errorf("failed to connect to %s: %w", endpoint, err)
	}
	if err := upgradeConnection(conn); err != nil {
		conn.Close()
		return 0, fmt.Errorf("failed to configure connection: %w", err)
	}
	return r.Sync(ctx, conn)
}

// Sync reads one sync pass from conn and applies every message to the entity. The
// connection is closed afterwards. An ordering violation aborts the pass and is returned
// (errors.Is(err, entity.ErrOrderingViolation)); the caller resyncs with a new pass.
func (r *Receiver) Sync(ctx context.Context, conn net.Conn) (int, error) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	start := time.Now()
	sc := &sessionConn{conn: conn, timeout: r.timeout}
	frames := 0

	n, err := codec.ReadSyncStream(bufio.NewReaderSize(sc, 64*1024), r.codec, func(msg messages.Message) error {
		frames++
		return r.entity.Apply(msg)
	})
	if err == nil {
		frames++ // end marker
	} else if ctx.Err() != nil {
		err = fmt.Errorf("sync pass aborted: %w", ctx.Err())
	}

	r.metrics.record(frames, sc.read, err)
	if err != nil {
		return n, err
	}

	log.Infof("Applied sync pass from %s: %d chains, %d bytes in %s", conn.RemoteAddr(), n, sc.read, time.Since(start))
	return n, nil
}

// Run attaches to the active node repeatedly until ctx is cancelled. After a completed
// pass it waits interval before the next one; a failed pass is retried after interval too.
func (r *Receiver) Run(ctx context.Context, endpoint string, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	for {
		_, err := r.Attach(ctx, endpoint)
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, entity.ErrOrderingViolation):
			log.Warningf("Ordering violation during sync pass, requesting a full resync: %v", err)
		case err != nil:
			log.Errorf("Sync pass from %s failed: %v", endpoint, err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
	}
}
