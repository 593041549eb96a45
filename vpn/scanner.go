package vpn

import (
	"bytes"
	"net"
	"net/netip"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// endpointPattern matches the first endpoint of a warp-plus scan report.
var endpointPattern = regexp.MustCompile(`msg="scan results" endpoints="\[\{AddrPort:(\d{1,3}(?:\.\d{1,3}){3}:\d{1,5})`)

// ReadinessMarker returns the log fragment warp-plus prints once its local
// proxy is accepting connections on host:port.
func ReadinessMarker(host string, port int) string {
	return `level=INFO msg="serving proxy" address=` + net.JoinHostPort(host, strconv.Itoa(port))
}

// ExtractEndpoint returns the first scanned endpoint reported on line.
// Lines without the marker, or with an address that does not parse as an
// IPv4 address and port, yield false.
func ExtractEndpoint(line string) (string, bool) {
	m := endpointPattern.FindStringSubmatch(line)
	if m == nil {
		return "", false
	}
	ap, err := netip.ParseAddrPort(m[1])
	if err != nil || !ap.Addr().Is4() {
		return "", false
	}
	return m[1], true
}

// ScanResult is what a single output line contributed.
type ScanResult struct {
	Ready    bool
	Endpoint string
}

// Scanner matches warp-plus output lines against the readiness and endpoint
// markers. It keeps no state between lines.
type Scanner struct {
	marker string
}

// NewScanner returns a scanner for a process listening on host:port.
func NewScanner(host string, port int) *Scanner {
	return &Scanner{marker: ReadinessMarker(host, port)}
}

// Scan inspects one line.
func (s *Scanner) Scan(line string) ScanResult {
	var r ScanResult
	if s.marker != "" && strings.Contains(line, s.marker) {
		r.Ready = true
	}
	if ep, ok := ExtractEndpoint(line); ok {
		r.Endpoint = ep
	}
	return r
}

// lineWriter is an io.Writer that splits a byte stream into lines.
// Chunks that end mid-line are buffered until the newline arrives.
type lineWriter struct {
	mu   sync.Mutex
	buf  []byte
	emit func(string)
}

const maxLineLength = 64 * 1024

func newLineWriter(emit func(string)) *lineWriter {
	return &lineWriter{emit: emit}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.send(w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	// A runaway line without newlines is emitted in pieces
	if len(w.buf) > maxLineLength {
		w.send(w.buf)
		w.buf = nil
	}
	return len(p), nil
}

// Flush emits a trailing partial line.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.send(w.buf)
		w.buf = nil
	}
}

func (w *lineWriter) send(b []byte) {
	line := strings.TrimRight(string(b), "\r")
	if w.emit != nil {
		w.emit(line)
	}
}
