package server

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
)

const queueCap = 1024

// queuedRequest wraps a request for transit through the queue.
type queuedRequest struct {
	req *Request
}

// Server accepts connections and queues their requests for a consumer
// that pulls them at its own pace via ReceiveRequest. The queue is the
// backpressure valve: when the consumer falls behind, connection
// handlers block at the enqueue step instead of buffering unbounded
// work.
type Server struct {
	cfg Config
	log Logger
	ln  net.Listener

	queue chan queuedRequest
	sem   chan struct{}

	done     chan struct{}
	stopOnce sync.Once
}

// Start binds the configured address and begins accepting connections.
func Start(cfg Config) (*Server, error) {
	cfg = fill(cfg)

	ln, err := net.Listen("tcp", net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)))
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:   cfg,
		log:   cfg.Logger,
		ln:    ln,
		queue: make(chan queuedRequest, queueCap),
		sem:   make(chan struct{}, cfg.MaxConns),
		done:  make(chan struct{}),
	}

	s.log.Logf(LevelInfo, "listening on http://%s", ln.Addr())
	go s.acceptLoop()

	return s, nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// acceptLoop spawns one connection handler per accepted connection. A
// single failed accept never stops the listener; the loop ends only on
// shutdown.
func (s *Server) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Logf(LevelError, "accept failed: %v", err)
			continue
		}

		select {
		case s.sem <- struct{}{}:
		case <-s.done:
			conn.Close()
			return
		}

		go s.handleConn(conn)
	}
}

// ReceiveRequest pulls the next queued request. It blocks until one is
// available, the context is cancelled, or the server shut down, in
// which case it returns ErrServerClosed.
func (s *Server) ReceiveRequest(ctx context.Context) (*Request, error) {
	select {
	case <-s.done:
		return nil, ErrServerClosed
	default:
	}

	select {
	case q := <-s.queue:
		return q.req, nil
	case <-s.done:
		return nil, ErrServerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Shutdown stops accepting connections and closes the queue. It is
// idempotent. Connections already being served are left to finish on
// their own; their pending enqueues resolve as synthesized 500s.
func (s *Server) Shutdown() {
	s.stopOnce.Do(func() {
		s.log.Logf(LevelInfo, "shutdown requested")
		close(s.done)
		_ = s.ln.Close()
	})
}
