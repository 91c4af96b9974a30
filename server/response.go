package server

import (
	"bufio"
	"errors"
	"time"
)

var errResponseTimeout = errors.New("pullserve: timed out waiting for response parts")

// buildResult is what the connection handler learns from driving one
// response to the wire.
type buildResult struct {
	status    int
	upgraded  bool
	keepAlive bool
	// committed reports whether status and headers already reached the
	// wire, which rules out synthesizing an error response.
	committed bool
	err       error
}

// responseBuilder assembles one response from the request's part
// channel. Status and headers accumulate until the first body chunk
// forces a commit; from then on chunks stream straight to the wire.
type responseBuilder struct {
	bw        *bufio.Writer
	keepAlive bool

	status    int
	headers   []HeaderField
	committed bool
	chunked   bool
	// closeDelimited means the body length is signaled by closing the
	// connection, so keep-alive is off afterwards.
	closeDelimited bool
}

// buildResponse drains parts until Finish or until the sink is closed.
// A sink closed before Finish emits whatever accumulated so far, as-is.
// A nil timer channel disables the deadline.
func buildResponse(req *Request, bw *bufio.Writer, keepAlive bool, timeout <-chan time.Time) buildResult {
	b := &responseBuilder{bw: bw, keepAlive: keepAlive, status: 200}

	for {
		var (
			part ResponsePart
			ok   bool
		)
		select {
		case part, ok = <-req.resp:
		case <-timeout:
			return b.abort(errResponseTimeout)
		}
		if !ok {
			return b.finish()
		}

		switch part.Kind {
		case PartStatus:
			if !b.committed {
				b.status = part.Status
			}
		case PartHeader:
			if !b.committed {
				b.headers = append(b.headers, HeaderField{Name: part.Name, Value: part.Value})
			}
		case PartChunk:
			if err := b.bodyChunk(part.Chunk); err != nil {
				return b.abort(err)
			}
		case PartFinish:
			return b.finish()
		}
	}
}

func (b *responseBuilder) bodyChunk(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	if b.status == 101 {
		// No body belongs to a handshake response.
		return nil
	}
	if !b.committed {
		if err := b.commitStreaming(); err != nil {
			return err
		}
	}
	if b.chunked {
		if err := writeChunk(b.bw, p); err != nil {
			return err
		}
	} else {
		if _, err := b.bw.Write(p); err != nil {
			return err
		}
	}
	// Flush per chunk so bytes reach the peer before Finish.
	return b.bw.Flush()
}

// commitStreaming writes the status line and headers for a streamed
// body. Without an explicit Content-Length the body goes out chunked
// on HTTP/1.1 keep-alive connections and close-delimited otherwise.
func (b *responseBuilder) commitStreaming() error {
	hasLength := false
	for _, f := range b.headers {
		if equalFold(f.Name, "Content-Length") {
			hasLength = true
			break
		}
	}

	b.chunked = !hasLength && b.keepAlive
	b.closeDelimited = !hasLength && !b.chunked

	if err := writeStatusLine(b.bw, b.status); err != nil {
		return err
	}
	for _, f := range b.headers {
		if equalFold(f.Name, "Connection") {
			continue
		}
		if err := writeHeader(b.bw, f.Name, f.Value); err != nil {
			return err
		}
	}
	if b.chunked {
		if err := writeHeader(b.bw, "Transfer-Encoding", "chunked"); err != nil {
			return err
		}
	}
	conn := "keep-alive"
	if b.closeDelimited || !b.keepAlive {
		conn = "close"
		b.keepAlive = false
	}
	if err := writeHeader(b.bw, "Connection", conn); err != nil {
		return err
	}
	if err := endHeaders(b.bw); err != nil {
		return err
	}

	b.committed = true
	return nil
}

func (b *responseBuilder) finish() buildResult {
	if b.committed {
		if b.chunked {
			if err := endChunked(b.bw); err != nil {
				return b.abort(err)
			}
		}
		if err := b.bw.Flush(); err != nil {
			return b.abort(err)
		}
		return buildResult{
			status:    b.status,
			keepAlive: b.keepAlive && !b.closeDelimited,
			committed: true,
		}
	}

	if b.status == 101 {
		return b.finishUpgrade()
	}

	// Zero body chunks yield an empty body, not a missing one.
	if err := writeStatusLine(b.bw, b.status); err != nil {
		return b.abort(err)
	}
	hasLength := false
	for _, f := range b.headers {
		if equalFold(f.Name, "Connection") {
			continue
		}
		if equalFold(f.Name, "Content-Length") {
			hasLength = true
		}
		if err := writeHeader(b.bw, f.Name, f.Value); err != nil {
			return b.abort(err)
		}
	}
	if !hasLength {
		if err := writeHeader(b.bw, "Content-Length", "0"); err != nil {
			return b.abort(err)
		}
	}
	conn := "keep-alive"
	if !b.keepAlive {
		conn = "close"
	}
	if err := writeHeader(b.bw, "Connection", conn); err != nil {
		return b.abort(err)
	}
	if err := endHeaders(b.bw); err != nil {
		return b.abort(err)
	}
	if err := b.bw.Flush(); err != nil {
		return b.abort(err)
	}

	return buildResult{status: b.status, keepAlive: b.keepAlive, committed: true}
}

// finishUpgrade writes the 101 handshake exactly as the consumer sent
// it; the connection handler hands the raw connection over afterwards.
func (b *responseBuilder) finishUpgrade() buildResult {
	if err := writeStatusLine(b.bw, 101); err != nil {
		return b.abort(err)
	}
	for _, f := range b.headers {
		if err := writeHeader(b.bw, f.Name, f.Value); err != nil {
			return b.abort(err)
		}
	}
	if err := endHeaders(b.bw); err != nil {
		return b.abort(err)
	}
	if err := b.bw.Flush(); err != nil {
		return b.abort(err)
	}

	return buildResult{status: 101, upgraded: true, committed: true}
}

func (b *responseBuilder) abort(err error) buildResult {
	return buildResult{status: b.status, committed: b.committed, err: err}
}
