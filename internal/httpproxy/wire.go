// Package httpproxy implements the hub's HTTP/1.1 forward-proxy frontend
// (C4): CONNECT tunneling and single-exchange forward proxying, both
// gated by Basic authorization.
//
// net/http's Header type canonicalizes names via
// textproto.CanonicalMIMEHeaderKey and offers no way to disable that, so
// this package parses and serializes HTTP/1.1 requests itself, keeping
// each header's name exactly as it arrived on the wire -- the Go
// equivalent of hyper's http1_preserve_header_case/http1_title_case_headers
// options the original implementation enabled on both its client and
// server.
package httpproxy

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// header is one request/response header line, keeping its name exactly as
// received so it can be re-emitted byte-for-byte.
type header struct {
	Name  string
	Value string
}

// requestLine is a parsed HTTP/1.1 request line plus its headers, in wire
// order.
type requestLine struct {
	Method  string
	Target  string
	Proto   string
	Headers []header
}

// maxHeaderLine bounds a single header line to guard against unbounded
// reads from a misbehaving client.
const maxHeaderLine = 64 * 1024

// readRequest parses a request line and headers from br, preserving
// header name casing and order. It stops at the blank line terminating
// the header block; any body bytes are left for the caller to read from
// br directly.
func readRequest(br *bufio.Reader) (*requestLine, error) {
	line, err := readLine(br)
	if err != nil {
		return nil, err
	}
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 {
		return nil, fmt.Errorf("httpproxy: malformed request line %q", line)
	}
	req := &requestLine{Method: parts[0], Target: parts[1], Proto: parts[2]}

	for {
		line, err := readLine(br)
		if err != nil {
			return nil, err
		}
		if line == "" {
			break
		}
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			return nil, fmt.Errorf("httpproxy: malformed header line %q", line)
		}
		name := line[:idx]
		value := strings.TrimSpace(line[idx+1:])
		req.Headers = append(req.Headers, header{Name: name, Value: value})
	}
	return req, nil
}

// readLine reads one CRLF- or LF-terminated line, with the terminator
// stripped.
func readLine(br *bufio.Reader) (string, error) {
	line, err := br.ReadString('\n')
	if err != nil {
		return "", err
	}
	if len(line) > maxHeaderLine {
		return "", fmt.Errorf("httpproxy: header line exceeds %d bytes", maxHeaderLine)
	}
	line = strings.TrimRight(line, "\r\n")
	return line, nil
}

// writeRequest serializes a request line and headers, preserving each
// header's original name casing.
func writeRequest(w io.Writer, req *requestLine) error {
	if _, err := fmt.Fprintf(w, "%s %s %s\r\n", req.Method, req.Target, req.Proto); err != nil {
		return err
	}
	return writeHeaders(w, req.Headers)
}

func writeHeaders(w io.Writer, headers []header) error {
	for _, h := range headers {
		if _, err := fmt.Fprintf(w, "%s: %s\r\n", h.Name, h.Value); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, "\r\n")
	return err
}

// get returns the value of the first header matching name
// case-insensitively, and whether it was found.
func (r *requestLine) get(name string) (string, bool) {
	for _, h := range r.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value, true
		}
	}
	return "", false
}

// remove drops every header matching name case-insensitively.
func (r *requestLine) remove(name string) {
	out := r.Headers[:0]
	for _, h := range r.Headers {
		if !strings.EqualFold(h.Name, name) {
			out = append(out, h)
		}
	}
	r.Headers = out
}

// contentLength parses the Content-Length header, returning 0 if absent
// or invalid (treated as "no body" -- this hub does not forward chunked
// request bodies).
func (r *requestLine) contentLength() int64 {
	v, ok := r.get("Content-Length")
	if !ok {
		return 0
	}
	var n int64
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil || n < 0 {
		return 0
	}
	return n
}
