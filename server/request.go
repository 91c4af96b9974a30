package server

import (
	"io"
	"sync"
)

// bodyChunk travels from the body pump to the consumer. A zero-length
// Data with nil Err is the explicit end-of-body sentinel, so the
// consumer observes completion before the request is torn down. Err
// carries a wire read failure in-band.
type bodyChunk struct {
	Data []byte
	Err  error
}

// PartKind tags a ResponsePart.
type PartKind int

const (
	PartStatus PartKind = iota
	PartHeader
	PartChunk
	PartFinish
)

// ResponsePart is one incremental piece of a response: a status code,
// a header line, a body chunk, or the finish sentinel.
type ResponsePart struct {
	Kind   PartKind
	Status int
	Name   string
	Value  string
	Chunk  []byte
}

const (
	bodyChanCap = 16
	respChanCap = 16
)

// Request is the per-request state handed to the consumer: metadata, a
// body-chunk source, a response-part sink and a take-once upgrade slot.
// All operations are safe for concurrent use; body reads and the
// upgrade slot each admit one logical consumer at a time.
type Request struct {
	Metadata *Metadata

	body chan bodyChunk
	resp chan ResponsePart

	// upgraded delivers the raw connection after a 101 response was
	// written. The connection handler closes it when the connection
	// ends without an upgrade.
	upgraded chan *rawConn

	// done is closed by the connection handler once the response is
	// complete or the connection failed; pending operations unblock
	// instead of hanging.
	done chan struct{}

	bodyMu       sync.Mutex
	bodyConsumed bool

	respMu       sync.Mutex
	respUsed     bool
	respFinished bool

	upMu         sync.Mutex
	upgradeTaken bool
}

func newRequest(md *Metadata) *Request {
	return &Request{
		Metadata: md,
		body:     make(chan bodyChunk, bodyChanCap),
		resp:     make(chan ResponsePart, respChanCap),
		upgraded: make(chan *rawConn, 1),
		done:     make(chan struct{}),
	}
}

// ReadBodyChunk returns the next chunk of the request body. io.EOF
// signals the end of the body; reading again after that returns
// ErrBodyConsumed. A wire read failure surfaces as its error.
func (r *Request) ReadBodyChunk() ([]byte, error) {
	r.bodyMu.Lock()
	defer r.bodyMu.Unlock()

	if r.bodyConsumed {
		return nil, ErrBodyConsumed
	}

	// Buffered chunks stay readable even when the request already
	// finished, so drain before honoring done.
	var c bodyChunk
	select {
	case c = <-r.body:
	default:
		select {
		case c = <-r.body:
		case <-r.done:
			r.bodyConsumed = true
			return nil, io.EOF
		}
	}

	if c.Err != nil {
		r.bodyConsumed = true
		return nil, c.Err
	}
	if len(c.Data) == 0 {
		r.bodyConsumed = true
		return nil, io.EOF
	}
	return c.Data, nil
}

// SendStatus sets the response status code. It has effect only before
// the first body byte was committed to the wire.
func (r *Request) SendStatus(code int) error {
	return r.send(ResponsePart{Kind: PartStatus, Status: code})
}

// SendHeader appends one response header. Duplicates are kept in order.
func (r *Request) SendHeader(name, value string) error {
	return r.send(ResponsePart{Kind: PartHeader, Name: name, Value: value})
}

// WriteChunk streams one chunk of the response body.
func (r *Request) WriteChunk(p []byte) error {
	return r.send(ResponsePart{Kind: PartChunk, Chunk: p})
}

// Finish terminates the response. No part is accepted afterwards.
func (r *Request) Finish() error {
	return r.send(ResponsePart{Kind: PartFinish})
}

func (r *Request) send(part ResponsePart) error {
	r.respMu.Lock()
	if r.respFinished {
		r.respMu.Unlock()
		return ErrResponseFinished
	}
	r.respUsed = true
	if part.Kind == PartFinish {
		r.respFinished = true
	}
	r.respMu.Unlock()

	select {
	case <-r.done:
		return ErrRequestClosed
	default:
	}

	select {
	case r.resp <- part:
		return nil
	case <-r.done:
		return ErrRequestClosed
	}
}

// Upgrade turns the request into a WebSocket connection. It computes
// the accept key, sends the 101 handshake through the ordinary
// response sink and waits for the connection handler to hand over the
// raw connection. The slot can be taken once, and only while the sink
// is untouched; a request without a Sec-WebSocket-Key header fails
// with ErrMissingKey.
func (r *Request) Upgrade() (*WebSocket, error) {
	r.upMu.Lock()
	if r.upgradeTaken {
		r.upMu.Unlock()
		return nil, ErrNotUpgradeable
	}
	r.upgradeTaken = true
	r.upMu.Unlock()

	key := r.Metadata.Header("Sec-WebSocket-Key")
	if key == "" {
		return nil, ErrMissingKey
	}

	// Earlier status/header parts would end up merged into the
	// handshake, so a used sink rules the upgrade out.
	r.respMu.Lock()
	finished := r.respFinished
	used := r.respUsed
	r.respMu.Unlock()
	if finished {
		return nil, ErrResponseFinished
	}
	if used {
		return nil, ErrNotUpgradeable
	}

	if err := r.SendStatus(101); err != nil {
		return nil, err
	}
	if err := r.SendHeader("Upgrade", "websocket"); err != nil {
		return nil, err
	}
	if err := r.SendHeader("Connection", "Upgrade"); err != nil {
		return nil, err
	}
	if err := r.SendHeader("Sec-WebSocket-Accept", acceptKey(key)); err != nil {
		return nil, err
	}
	if err := r.Finish(); err != nil {
		return nil, err
	}

	rc, ok := <-r.upgraded
	if !ok {
		return nil, ErrRequestClosed
	}
	return newWebSocket(rc), nil
}
