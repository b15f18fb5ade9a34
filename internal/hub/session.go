package hub

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/liverace/liverace/server/internal/protocol"
)

// writeWait bounds a single frame write on the wire.
const writeWait = 10 * time.Second

// Conn is the subset of *websocket.Conn the session writes through.
// Tests substitute a fake; gorilla's Conn satisfies it.
type Conn interface {
	WriteJSON(v any) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Session is one outbound half of a websocket connection: a bounded frame
// queue drained by a single writer goroutine. All writes to the underlying
// conn happen on that goroutine; Send never blocks.
type Session struct {
	conn Conn
	send chan protocol.ServerFrame
	quit chan struct{}
	done chan struct{}

	dropped atomic.Int64
	shedMu  sync.Mutex
	once    sync.Once
}

func newSession(conn Conn, queueDepth int) *Session {
	s := &Session{
		conn: conn,
		send: make(chan protocol.ServerFrame, queueDepth),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	go s.writePump()
	return s
}

// Send enqueues a frame, shedding the oldest coalescible queued frame when
// the queue is full. Shedding is safe for coalescible frames — the next tick
// resends the current truth. When the queue holds nothing but critical
// frames the session is closed instead: the peer is too slow to be kept
// consistent, and criticals must not be silently lost.
func (s *Session) Send(f protocol.ServerFrame) {
	select {
	case <-s.quit:
		return
	default:
	}

	select {
	case s.send <- f:
		return
	default:
	}

	s.shedMu.Lock()
	defer s.shedMu.Unlock()

	// Pull the queue aside and look for the oldest coalescible frame.
	queued := make([]protocol.ServerFrame, 0, cap(s.send))
drain:
	for {
		select {
		case q := <-s.send:
			queued = append(queued, q)
		default:
			break drain
		}
	}

	shedAt := -1
	for i, q := range queued {
		if !protocol.Critical(q.FrameType()) {
			shedAt = i
			break
		}
	}

	switch {
	case len(queued) < cap(s.send):
		// The writer made room while we drained; nothing to shed.
		queued = append(queued, f)
	case shedAt >= 0:
		queued = append(queued[:shedAt], queued[shedAt+1:]...)
		s.dropped.Add(1)
		queued = append(queued, f)
	default:
		// All critical. Requeue them for the drain-on-close below.
		defer s.Close()
	}

	for _, q := range queued {
		select {
		case s.send <- q:
		default:
			s.dropped.Add(1)
		}
	}
}

// Dropped returns how many frames this session has shed.
func (s *Session) Dropped() int64 {
	return s.dropped.Load()
}

// Close stops the writer after draining queued frames and closes the conn.
// Idempotent.
func (s *Session) Close() {
	s.once.Do(func() { close(s.quit) })
}

// CloseWithReason enqueues a non-fatal error frame, then closes.
func (s *Session) CloseWithReason(reason string) {
	s.Send(protocol.NewError(reason))
	s.Close()
}

// Done is closed once the writer goroutine has exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) writePump() {
	defer close(s.done)
	defer s.conn.Close()

	for {
		select {
		case <-s.quit:
			// Drain what is already queued, then exit.
			for {
				select {
				case f := <-s.send:
					if !s.write(f) {
						return
					}
				default:
					return
				}
			}
		case f := <-s.send:
			if !s.write(f) {
				return
			}
		}
	}
}

func (s *Session) write(f protocol.ServerFrame) bool {
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(f) == nil
}
