package server

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode/utf8"
)

const maxHeaderBytes = 8 << 10

var (
	errBadRequest         = errors.New("pullserve: bad request")
	errUnsupportedVersion = errors.New("pullserve: unsupported protocol version")
	errChunkFormat        = errors.New("pullserve: invalid chunk format")
)

// readRequest parses a request line plus headers off the wire and
// returns the request metadata together with a drainable body reader.
// io.EOF with no bytes read means the peer closed the connection
// between requests.
func readRequest(br *bufio.Reader) (*Metadata, io.Reader, error) {
	line, err := readLine(br)
	if err != nil {
		return nil, nil, err
	}

	method, rest, ok := strings.Cut(line, " ")
	if !ok || method == "" {
		return nil, nil, errBadRequest
	}
	target, proto, ok := strings.Cut(rest, " ")
	if !ok || target == "" {
		return nil, nil, errBadRequest
	}

	var version Version
	switch proto {
	case "HTTP/1.1":
		version = Version11
	case "HTTP/1.0":
		version = Version10
	default:
		return nil, nil, errUnsupportedVersion
	}

	path, query, _ := strings.Cut(target, "?")

	md := &Metadata{
		Method:  method,
		Path:    path,
		Query:   query,
		Version: version,
	}

	if err := readHeaders(br, md); err != nil {
		return nil, nil, err
	}

	body, err := bodyReader(br, md)
	if err != nil {
		return nil, nil, err
	}

	return md, body, nil
}

func readHeaders(br *bufio.Reader, md *Metadata) error {
	for {
		line, err := readLine(br)
		if err != nil {
			return err
		}
		if line == "" {
			return nil
		}

		name, value, ok := strings.Cut(line, ":")
		if !ok || name == "" || name != strings.TrimSpace(name) {
			return errBadRequest
		}
		value = strings.TrimSpace(value)
		// A value we cannot decode degrades to an empty string
		// instead of failing the whole request.
		if !utf8.ValidString(value) {
			value = ""
		}

		md.Headers = append(md.Headers, HeaderField{Name: name, Value: value})
	}
}

func readLine(br *bufio.Reader) (string, error) {
	var sb strings.Builder
	for {
		b, err := br.ReadByte()
		if err != nil {
			if err == io.EOF && sb.Len() > 0 {
				return "", io.ErrUnexpectedEOF
			}
			return "", err
		}
		if b == '\n' {
			return sb.String(), nil
		}
		if b != '\r' {
			sb.WriteByte(b)
		}
		if sb.Len() > maxHeaderBytes {
			return "", errBadRequest
		}
	}
}

// bodyReader picks the body source: chunked transfer coding wins over
// Content-Length, and a request with neither has an empty body.
func bodyReader(br *bufio.Reader, md *Metadata) (io.Reader, error) {
	for _, v := range md.HeaderValues("Transfer-Encoding") {
		if strings.Contains(strings.ToLower(v), "chunked") {
			return &chunkedReader{br: br}, nil
		}
	}

	if v := md.Header("Content-Length"); v != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil || n < 0 {
			return nil, errBadRequest
		}
		return &io.LimitedReader{R: br, N: n}, nil
	}

	return strings.NewReader(""), nil
}

// chunkedReader decodes Transfer-Encoding: chunked bodies pulled off a
// shared bufio.Reader, leaving the reader positioned at the next
// request once it returns io.EOF.
type chunkedReader struct {
	br       *bufio.Reader
	remain   int64
	finished bool
}

func (c *chunkedReader) Read(p []byte) (int, error) {
	if c.finished {
		return 0, io.EOF
	}
	if c.remain == 0 {
		size, err := c.readChunkSize()
		if err != nil {
			return 0, err
		}
		if size == 0 {
			if err := c.readTrailers(); err != nil {
				return 0, err
			}
			c.finished = true
			return 0, io.EOF
		}
		c.remain = size
	}

	if len(p) == 0 {
		return 0, nil
	}
	toRead := int64(len(p))
	if toRead > c.remain {
		toRead = c.remain
	}
	n, err := io.ReadFull(c.br, p[:toRead])
	c.remain -= int64(n)
	if err != nil {
		return n, err
	}
	if c.remain == 0 {
		if err := c.expectCRLF(); err != nil {
			return n, err
		}
	}
	return n, nil
}

func (c *chunkedReader) readChunkSize() (int64, error) {
	line, err := readLine(c.br)
	if err != nil {
		return 0, err
	}
	// Drop chunk extensions: "<hex>;<ext>".
	if i := strings.IndexByte(line, ';'); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return 0, errChunkFormat
	}
	n, err := strconv.ParseInt(line, 16, 64)
	if err != nil || n < 0 {
		return 0, errChunkFormat
	}
	return n, nil
}

func (c *chunkedReader) expectCRLF() error {
	b1, err := c.br.ReadByte()
	if err != nil {
		return err
	}
	b2, err := c.br.ReadByte()
	if err != nil {
		return err
	}
	if b1 != '\r' || b2 != '\n' {
		return errChunkFormat
	}
	return nil
}

func (c *chunkedReader) readTrailers() error {
	for {
		line, err := readLine(c.br)
		if err != nil {
			return err
		}
		if line == "" {
			return nil
		}
	}
}

// --- response side ---------------------------------------------------

func writeStatusLine(bw *bufio.Writer, status int) error {
	_, err := fmt.Fprintf(bw, "HTTP/1.1 %d %s\r\n", status, reasonPhrase(status))
	return err
}

func writeHeader(bw *bufio.Writer, name, value string) error {
	_, err := fmt.Fprintf(bw, "%s: %s\r\n", name, sanitizeHeaderValue(value))
	return err
}

func endHeaders(bw *bufio.Writer) error {
	_, err := bw.WriteString("\r\n")
	return err
}

func writeContinue(bw *bufio.Writer) error {
	if _, err := bw.WriteString("HTTP/1.1 100 Continue\r\n\r\n"); err != nil {
		return err
	}
	return bw.Flush()
}

// writeChunk emits one chunk of a chunked-encoded body.
func writeChunk(bw *bufio.Writer, p []byte) error {
	if len(p) == 0 {
		return nil
	}
	if _, err := fmt.Fprintf(bw, "%x\r\n", len(p)); err != nil {
		return err
	}
	if _, err := bw.Write(p); err != nil {
		return err
	}
	_, err := bw.WriteString("\r\n")
	return err
}

func endChunked(bw *bufio.Writer) error {
	_, err := bw.WriteString("0\r\n\r\n")
	return err
}

// writeErrorResponse synthesizes a full close-delimited error response,
// e.g. the 500 sent when a request cannot be queued anymore.
func writeErrorResponse(bw *bufio.Writer, status int, message string) error {
	if err := writeStatusLine(bw, status); err != nil {
		return err
	}
	if err := writeHeader(bw, "Content-Type", "text/plain"); err != nil {
		return err
	}
	if err := writeHeader(bw, "Content-Length", strconv.Itoa(len(message))); err != nil {
		return err
	}
	if err := writeHeader(bw, "Connection", "close"); err != nil {
		return err
	}
	if err := endHeaders(bw); err != nil {
		return err
	}
	if _, err := bw.WriteString(message); err != nil {
		return err
	}
	return bw.Flush()
}

func sanitizeHeaderValue(v string) string {
	clean := true
	for i := 0; i < len(v); i++ {
		c := v[i]
		if c == '\r' || c == '\n' || c == 0x7f || (c < 0x20 && c != '\t') {
			clean = false
			break
		}
	}
	if clean {
		return v
	}

	var sb strings.Builder
	sb.Grow(len(v))
	for i := 0; i < len(v); i++ {
		c := v[i]
		if c == '\r' || c == '\n' || c == 0x7f {
			continue
		}
		if c < 0x20 && c != '\t' {
			continue
		}
		sb.WriteByte(c)
	}
	return sb.String()
}

func reasonPhrase(code int) string {
	switch code {
	case 100:
		return "Continue"
	case 101:
		return "Switching Protocols"
	case 200:
		return "OK"
	case 201:
		return "Created"
	case 202:
		return "Accepted"
	case 204:
		return "No Content"
	case 301:
		return "Moved Permanently"
	case 302:
		return "Found"
	case 304:
		return "Not Modified"
	case 400:
		return "Bad Request"
	case 401:
		return "Unauthorized"
	case 403:
		return "Forbidden"
	case 404:
		return "Not Found"
	case 405:
		return "Method Not Allowed"
	case 408:
		return "Request Timeout"
	case 413:
		return "Content Too Large"
	case 500:
		return "Internal Server Error"
	case 501:
		return "Not Implemented"
	case 502:
		return "Bad Gateway"
	case 503:
		return "Service Unavailable"
	case 505:
		return "HTTP Version Not Supported"
	default:
		return "Status"
	}
}
