package server

import (
	"bufio"
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildToString(t *testing.T, req *Request, keepAlive bool) (buildResult, string) {
	t.Helper()

	var buf bytes.Buffer
	res := buildResponse(req, bufio.NewWriter(&buf), keepAlive, nil)
	return res, buf.String()
}

func TestBuildStreamedResponse(t *testing.T) {
	req := newRequest(&Metadata{})
	require.NoError(t, req.SendStatus(200))
	require.NoError(t, req.SendHeader("content-type", "text/plain"))
	require.NoError(t, req.WriteChunk([]byte("c1")))
	require.NoError(t, req.WriteChunk([]byte("c2")))
	require.NoError(t, req.Finish())

	res, out := buildToString(t, req, true)
	require.NoError(t, res.err)
	assert.Equal(t, 200, res.status)
	assert.True(t, res.keepAlive)

	assert.True(t, strings.HasPrefix(out, "HTTP/1.1 200 OK\r\n"), out)
	assert.Contains(t, out, "content-type: text/plain\r\n")
	assert.Contains(t, out, "Transfer-Encoding: chunked\r\n")
	// Body is c1 ++ c2, in order, framed as two chunks.
	assert.Contains(t, out, "2\r\nc1\r\n2\r\nc2\r\n0\r\n\r\n")
}

func TestBuildDefaultStatusAndEmptyBody(t *testing.T) {
	req := newRequest(&Metadata{})
	require.NoError(t, req.Finish())

	res, out := buildToString(t, req, true)
	require.NoError(t, res.err)
	assert.Equal(t, 200, res.status)
	assert.True(t, strings.HasPrefix(out, "HTTP/1.1 200 OK\r\n"))
	// Zero chunks yield an empty body, not a missing one.
	assert.Contains(t, out, "Content-Length: 0\r\n")
}

func TestBuildDuplicateHeadersAppend(t *testing.T) {
	req := newRequest(&Metadata{})
	require.NoError(t, req.SendHeader("Set-Cookie", "a=1"))
	require.NoError(t, req.SendHeader("Set-Cookie", "b=2"))
	require.NoError(t, req.Finish())

	_, out := buildToString(t, req, true)
	first := strings.Index(out, "Set-Cookie: a=1\r\n")
	second := strings.Index(out, "Set-Cookie: b=2\r\n")
	require.Greater(t, first, 0)
	assert.Greater(t, second, first)
}

func TestBuildExplicitContentLengthSkipsChunking(t *testing.T) {
	req := newRequest(&Metadata{})
	require.NoError(t, req.SendHeader("Content-Length", "4"))
	require.NoError(t, req.WriteChunk([]byte("body")))
	require.NoError(t, req.Finish())

	res, out := buildToString(t, req, true)
	require.NoError(t, res.err)
	assert.True(t, res.keepAlive)
	assert.NotContains(t, out, "Transfer-Encoding")
	assert.True(t, strings.HasSuffix(out, "\r\n\r\nbody"), out)
}

func TestBuildCloseDelimitedWithoutKeepAlive(t *testing.T) {
	req := newRequest(&Metadata{})
	require.NoError(t, req.WriteChunk([]byte("data")))
	require.NoError(t, req.Finish())

	res, out := buildToString(t, req, false)
	require.NoError(t, res.err)
	assert.False(t, res.keepAlive)
	assert.NotContains(t, out, "Transfer-Encoding")
	assert.Contains(t, out, "Connection: close\r\n")
	assert.True(t, strings.HasSuffix(out, "\r\n\r\ndata"), out)
}

func TestBuildStatusAfterCommitIgnored(t *testing.T) {
	req := newRequest(&Metadata{})
	require.NoError(t, req.SendStatus(200))
	require.NoError(t, req.WriteChunk([]byte("x")))
	// A status sent after the first body byte has no defined effect;
	// the builder must not rewrite what already reached the wire.
	require.NoError(t, req.SendStatus(500))
	require.NoError(t, req.Finish())

	res, out := buildToString(t, req, true)
	require.NoError(t, res.err)
	assert.Equal(t, 200, res.status)
	assert.True(t, strings.HasPrefix(out, "HTTP/1.1 200 OK\r\n"))
}

func TestBuildSinkClosedBeforeFinish(t *testing.T) {
	req := newRequest(&Metadata{})
	require.NoError(t, req.SendStatus(201))
	require.NoError(t, req.SendHeader("X-A", "1"))
	close(req.resp)

	// Accumulated state goes out as-is when the sink closes early.
	res, out := buildToString(t, req, true)
	require.NoError(t, res.err)
	assert.Equal(t, 201, res.status)
	assert.True(t, strings.HasPrefix(out, "HTTP/1.1 201 Created\r\n"))
	assert.Contains(t, out, "X-A: 1\r\n")
}

func TestBuildUpgradeResponse(t *testing.T) {
	req := newRequest(&Metadata{})
	require.NoError(t, req.SendStatus(101))
	require.NoError(t, req.SendHeader("Upgrade", "websocket"))
	require.NoError(t, req.SendHeader("Connection", "Upgrade"))
	require.NoError(t, req.SendHeader("Sec-WebSocket-Accept", "s3pPLMBiTxaQ9kYGzzhZRbK+xOo="))
	require.NoError(t, req.Finish())

	res, out := buildToString(t, req, true)
	require.NoError(t, res.err)
	assert.True(t, res.upgraded)

	// The handshake goes out exactly as the consumer sent it, with no
	// framing headers added.
	assert.Equal(t, "HTTP/1.1 101 Switching Protocols\r\n"+
		"Upgrade: websocket\r\n"+
		"Connection: Upgrade\r\n"+
		"Sec-WebSocket-Accept: s3pPLMBiTxaQ9kYGzzhZRbK+xOo=\r\n"+
		"\r\n", out)
}
