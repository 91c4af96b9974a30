package server

import (
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"io"
	"sync"
	"sync/atomic"
)

// wsGUID is the fixed GUID every WebSocket handshake concatenates to
// the client key (RFC 6455, section 1.3).
const wsGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// acceptKey derives the Sec-WebSocket-Accept value for a client key.
func acceptKey(key string) string {
	h := sha1.New()
	h.Write([]byte(key))
	h.Write([]byte(wsGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// FrameType classifies a WebSocket frame.
type FrameType int

const (
	FrameText FrameType = iota
	FrameBinary
	FramePing
	FramePong
	FrameClose
)

func (t FrameType) String() string {
	switch t {
	case FrameText:
		return "text"
	case FrameBinary:
		return "binary"
	case FramePing:
		return "ping"
	case FramePong:
		return "pong"
	case FrameClose:
		return "close"
	default:
		return "unknown"
	}
}

// Frame is one WebSocket frame as sent or received by the consumer.
type Frame struct {
	Type FrameType
	Data []byte
}

// Text returns the frame payload as a string.
func (f Frame) Text() string {
	return string(f.Data)
}

const (
	opContinuation = 0x0
	opText         = 0x1
	opBinary       = 0x2
	opClose        = 0x8
	opPing         = 0x9
	opPong         = 0xa

	// maxFramePayload caps a single inbound frame.
	maxFramePayload = 10 << 20
)

// WebSocket is a frame-level handle over an upgraded connection. Sends
// and receives are each serialized, so concurrent callers never
// interleave partial frames. Once closed, the handle stays closed:
// sends fail and receives report ErrConnClosed.
type WebSocket struct {
	conn   *rawConn
	wmu    sync.Mutex
	rmu    sync.Mutex
	closed atomic.Bool
}

func newWebSocket(rc *rawConn) *WebSocket {
	return &WebSocket{conn: rc}
}

// SendText sends a text frame.
func (ws *WebSocket) SendText(text string) error {
	return ws.Send(Frame{Type: FrameText, Data: []byte(text)})
}

// SendBinary sends a binary frame.
func (ws *WebSocket) SendBinary(data []byte) error {
	return ws.Send(Frame{Type: FrameBinary, Data: data})
}

// Send sends one frame. Sending a close frame behaves like Close.
func (ws *WebSocket) Send(f Frame) error {
	if f.Type == FrameClose {
		return ws.Close()
	}

	var op byte
	switch f.Type {
	case FrameText:
		op = opText
	case FrameBinary:
		op = opBinary
	case FramePing:
		op = opPing
	case FramePong:
		op = opPong
	default:
		return ErrConnClosed
	}

	// The closed check happens under wmu so a racing Close cannot slip
	// its close frame out between the check and the write.
	ws.wmu.Lock()
	if ws.closed.Load() {
		ws.wmu.Unlock()
		return ErrConnClosed
	}
	err := ws.writeFrame(op, f.Data)
	ws.wmu.Unlock()

	if err != nil {
		ws.shutdown()
		return err
	}
	return nil
}

// Recv returns the next frame. A received close frame is surfaced once
// and transitions the handle to closed; afterwards, and on any stream
// error, Recv returns ErrConnClosed.
func (ws *WebSocket) Recv() (Frame, error) {
	ws.rmu.Lock()
	defer ws.rmu.Unlock()

	for {
		if ws.closed.Load() {
			return Frame{}, ErrConnClosed
		}

		op, payload, err := ws.readFrame()
		if err != nil {
			ws.shutdown()
			return Frame{}, ErrConnClosed
		}

		switch op {
		case opText:
			return Frame{Type: FrameText, Data: payload}, nil
		case opBinary:
			return Frame{Type: FrameBinary, Data: payload}, nil
		case opPing:
			return Frame{Type: FramePing, Data: payload}, nil
		case opPong:
			return Frame{Type: FramePong, Data: payload}, nil
		case opClose:
			ws.shutdown()
			return Frame{Type: FrameClose, Data: payload}, nil
		default:
			// Continuation and reserved opcodes produce no frame.
		}
	}
}

// Close sends a normal-closure frame and tears the connection down.
// The handle never reopens.
func (ws *WebSocket) Close() error {
	ws.wmu.Lock()
	if ws.closed.Swap(true) {
		ws.wmu.Unlock()
		return ErrConnClosed
	}
	err := ws.writeFrame(opClose, []byte{0x03, 0xe8}) // status 1000
	ws.wmu.Unlock()

	ws.conn.conn.Close()
	ws.releaseSlot()
	return err
}

func (ws *WebSocket) shutdown() {
	if !ws.closed.Swap(true) {
		ws.conn.conn.Close()
		ws.releaseSlot()
	}
}

// releaseSlot gives the connection's accept-slot back once, when the
// handle reaches its terminal state.
func (ws *WebSocket) releaseSlot() {
	if ws.conn.release != nil {
		ws.conn.release()
	}
}

// writeFrame emits a single unfragmented server-to-client frame; the
// caller holds wmu. Server frames are never masked.
func (ws *WebSocket) writeFrame(op byte, payload []byte) error {
	bw := ws.conn.bw

	if err := bw.WriteByte(0x80 | op); err != nil {
		return err
	}
	n := len(payload)
	switch {
	case n < 126:
		if err := bw.WriteByte(byte(n)); err != nil {
			return err
		}
	case n <= 0xffff:
		if err := bw.WriteByte(126); err != nil {
			return err
		}
		var ext [2]byte
		binary.BigEndian.PutUint16(ext[:], uint16(n))
		if _, err := bw.Write(ext[:]); err != nil {
			return err
		}
	default:
		if err := bw.WriteByte(127); err != nil {
			return err
		}
		var ext [8]byte
		binary.BigEndian.PutUint64(ext[:], uint64(n))
		if _, err := bw.Write(ext[:]); err != nil {
			return err
		}
	}
	if _, err := bw.Write(payload); err != nil {
		return err
	}
	return bw.Flush()
}

// readFrame parses one frame off the wire, unmasking client payloads.
func (ws *WebSocket) readFrame() (byte, []byte, error) {
	br := ws.conn.br

	var hdr [2]byte
	if _, err := io.ReadFull(br, hdr[:]); err != nil {
		return 0, nil, err
	}

	op := hdr[0] & 0x0f
	masked := hdr[1]&0x80 != 0
	length := uint64(hdr[1] & 0x7f)

	switch length {
	case 126:
		var ext [2]byte
		if _, err := io.ReadFull(br, ext[:]); err != nil {
			return 0, nil, err
		}
		length = uint64(binary.BigEndian.Uint16(ext[:]))
	case 127:
		var ext [8]byte
		if _, err := io.ReadFull(br, ext[:]); err != nil {
			return 0, nil, err
		}
		length = binary.BigEndian.Uint64(ext[:])
	}
	if length > maxFramePayload {
		return 0, nil, io.ErrShortBuffer
	}

	var maskKey [4]byte
	if masked {
		if _, err := io.ReadFull(br, maskKey[:]); err != nil {
			return 0, nil, err
		}
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(br, payload); err != nil {
		return 0, nil, err
	}
	if masked {
		for i := range payload {
			payload[i] ^= maskKey[i&3]
		}
	}

	return op, payload, nil
}
