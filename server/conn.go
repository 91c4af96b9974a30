package server

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/google/uuid"
)

// rawConn bundles a connection with its buffered endpoints so a
// WebSocket layer taking over mid-stream does not lose buffered bytes.
type rawConn struct {
	conn net.Conn
	br   *bufio.Reader
	bw   *bufio.Writer

	// release returns the accept-slot held for this connection; set on
	// handoff so upgraded connections keep counting against MaxConns
	// until the WebSocket handle closes.
	release func()
}

// handleConn serves one TCP connection with keep-alive semantics:
// requests are parsed, pumped and answered strictly one after another
// until the peer goes away, a fatal protocol error occurs, or a
// request upgrades the connection.
func (s *Server) handleConn(conn net.Conn) {
	handedOff := false
	defer func() {
		if !handedOff {
			<-s.sem
			conn.Close()
		}
	}()

	br := bufio.NewReader(conn)
	bw := bufio.NewWriter(conn)

	for {
		if s.cfg.KeepAliveTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.cfg.KeepAliveTimeout))
		}

		md, body, err := readRequest(br)
		if err != nil {
			switch {
			case err == io.EOF:
				// Peer closed between requests.
			case errors.Is(err, errUnsupportedVersion):
				_ = writeErrorResponse(bw, 505, "HTTP Version Not Supported")
			case isTimeout(err):
				s.log.Logf(LevelDebug, "conn %s: idle timeout", conn.RemoteAddr())
			default:
				s.log.Logf(LevelDebug, "conn %s: malformed request: %v", conn.RemoteAddr(), err)
				_ = writeErrorResponse(bw, 400, "Bad Request")
			}
			return
		}

		md.ID = uuid.New().String()
		keepAlive := wantKeepAlive(md)

		if s.cfg.RequestTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.cfg.RequestTimeout))
		}

		if equalFold(md.Header("Expect"), "100-continue") {
			if err := writeContinue(bw); err != nil {
				return
			}
		}

		req := newRequest(md)
		pumpDone := make(chan struct{})
		go bodyPump(body, req, pumpDone)

		enqueued := false
		select {
		case <-s.done:
		default:
			select {
			case s.queue <- queuedRequest{req: req}:
				enqueued = true
			case <-s.done:
			}
		}
		if !enqueued {
			s.log.Logf(LevelWarn, "req %s: queue closed, dropping request", md.ID)
			close(req.done)
			close(req.upgraded)
			<-pumpDone
			_ = writeErrorResponse(bw, 500, "Internal Server Error")
			return
		}

		var (
			timeout <-chan time.Time
			timer   *time.Timer
		)
		if s.cfg.RequestTimeout > 0 {
			timer = time.NewTimer(s.cfg.RequestTimeout)
			timeout = timer.C
		}

		res := buildResponse(req, bw, keepAlive, timeout)
		if timer != nil {
			timer.Stop()
		}

		if res.upgraded {
			// The pump must be fully done with the reader before the
			// WebSocket layer takes it over: an unread declared body
			// would otherwise be parsed as frame bytes. Closing done
			// flips the pump into its drain path.
			close(req.done)
			<-pumpDone
			_ = conn.SetReadDeadline(time.Time{})

			handedOff = true
			req.upgraded <- &rawConn{conn: conn, br: br, bw: bw, release: func() { <-s.sem }}
			close(req.upgraded)
			return
		}

		close(req.done)
		close(req.upgraded)
		<-pumpDone

		if res.err != nil {
			if errors.Is(res.err, errResponseTimeout) && !res.committed {
				_ = writeErrorResponse(bw, 500, "Internal Server Error")
			}
			s.log.Logf(LevelDebug, "req %s: response aborted: %v", md.ID, res.err)
			return
		}

		s.log.Logf(LevelDebug, "req %s: %s %s -> %d", md.ID, md.Method, md.Path, res.status)

		if !res.keepAlive {
			return
		}
	}
}

// bodyPump forwards the wire body into the request's body channel:
// non-empty chunks as they arrive, a read failure as an in-band error
// marker, and a zero-length chunk as the explicit end-of-body
// sentinel. Once the request is done it silently drains whatever body
// bytes remain so the connection stays usable.
func bodyPump(body io.Reader, req *Request, pumpDone chan struct{}) {
	defer close(pumpDone)

	buf := make([]byte, 8<<10)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			select {
			case req.body <- bodyChunk{Data: data}:
			case <-req.done:
				_, _ = io.Copy(io.Discard, body)
				return
			}
		}
		if err == io.EOF {
			select {
			case req.body <- bodyChunk{}:
			case <-req.done:
			}
			return
		}
		if err != nil {
			select {
			case req.body <- bodyChunk{Err: fmt.Errorf("pullserve: body read: %w", err)}:
			case <-req.done:
			}
			return
		}
	}
}

func wantKeepAlive(md *Metadata) bool {
	conn := md.Header("Connection")
	if md.Version == Version11 {
		return !equalFold(conn, "close")
	}
	return equalFold(conn, "keep-alive")
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
