package server

// Version is the HTTP protocol version of a request.
type Version int

const (
	Version10 Version = iota
	Version11
	Version2
)

func (v Version) String() string {
	switch v {
	case Version10:
		return "HTTP/1.0"
	case Version11:
		return "HTTP/1.1"
	case Version2:
		return "HTTP/2.0"
	default:
		return "HTTP/1.1"
	}
}

// HeaderField is one header line as it appeared on the wire.
type HeaderField struct {
	Name  string
	Value string
}

// Metadata describes a request at header-parse time. It is immutable
// once created; headers keep wire order and duplicates.
type Metadata struct {
	// ID is a per-request identifier assigned at parse time.
	ID string

	Method string
	Path   string

	// Query is the raw query string without the leading '?'. Empty
	// means the request target carried no query.
	Query string

	Version Version
	Headers []HeaderField
}

// Header returns the first value of the named header, matched
// case-insensitively. Missing headers yield "".
func (m *Metadata) Header(name string) string {
	for _, f := range m.Headers {
		if equalFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// HeaderValues returns every value of the named header, in wire order.
func (m *Metadata) HeaderValues(name string) []string {
	var vv []string
	for _, f := range m.Headers {
		if equalFold(f.Name, name) {
			vv = append(vv, f.Value)
		}
	}
	return vv
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}
