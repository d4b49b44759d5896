package pipeline

import (
	"bufio"
	"bytes"
	"io"
	"strings"

	"github.com/pkg/errors"
)

// RoutingHeader designates the sending account when authentication is
// disabled. It is stripped from every message before reassembly.
const RoutingHeader = "X-EE-Account"

// header blocks larger than this are considered malformed
const maxHeaderBytes = 1 << 20

var ErrHeaderTooLarge = errors.New("message header block too large")

// Result is what the pipeline learned about a message while streaming
// it through.
type Result struct {
	// value of the routing header, "" when absent
	Directive string

	BytesWritten int64
}

// Run streams a raw message from r to w through the three stages:
// split into structural parts, rewrite the header block, join the
// parts back together. The output matches the input byte for byte
// except for removed routing header lines. Any stage failure comes
// back as the single returned error.
func Run(r io.Reader, w io.Writer) (Result, error) {
	sp := newSplitter(r)

	headers, separator, err := sp.split()
	if err != nil {
		return Result{}, errors.WithMessage(err, "split")
	}

	headers, directive := rewrite(headers, RoutingHeader)

	n, err := join(w, headers, separator, sp.body())
	if err != nil {
		return Result{Directive: directive}, errors.WithMessage(err, "join")
	}

	return Result{Directive: directive, BytesWritten: n}, nil
}

// headerField is one logical header: its raw bytes, folded
// continuation lines and line endings included.
type headerField struct {
	key string
	raw []byte
}

type splitter struct {
	r *bufio.Reader
}

func newSplitter(r io.Reader) *splitter {
	return &splitter{r: bufio.NewReader(r)}
}

// body returns the unread remainder of the stream. Valid only after
// split has returned.
func (s *splitter) body() io.Reader {
	return s.r
}

// split consumes the header block up to and including the blank
// separator line. The separator is returned exactly as read (CRLF or
// LF), nil when the stream ends inside the headers.
func (s *splitter) split() ([]headerField, []byte, error) {
	var headers []headerField
	current := -1
	total := 0

	for {
		line, err := s.r.ReadBytes('\n')

		if len(line) > 0 {
			total += len(line)
			if total > maxHeaderBytes {
				return nil, nil, ErrHeaderTooLarge
			}

			if isBlank(line) {
				return headers, line, nil
			}

			if (line[0] == ' ' || line[0] == '\t') && current >= 0 {
				// folded continuation of the previous field
				headers[current].raw = append(headers[current].raw, line...)
			} else {
				headers = append(headers, headerField{
					key: fieldKey(line),
					raw: line,
				})
				current = len(headers) - 1
			}
		}

		if err == io.EOF {
			// header-only message, no separator
			return headers, nil, nil
		}
		if err != nil {
			return nil, nil, err
		}
	}
}

// rewrite drops every field named name from the block and captures the
// first removed value. Everything else passes through untouched.
func rewrite(headers []headerField, name string) ([]headerField, string) {
	key := strings.ToLower(name)

	out := headers[:0]
	var directive string
	for _, h := range headers {
		if h.key == key {
			if directive == "" {
				directive = fieldValue(h.raw)
			}
			continue
		}
		out = append(out, h)
	}
	return out, directive
}

// join serializes the surviving parts back into a raw byte stream,
// preserving original ordering and content.
func join(w io.Writer, headers []headerField, separator []byte, body io.Reader) (int64, error) {
	var n int64

	for _, h := range headers {
		m, err := w.Write(h.raw)
		n += int64(m)
		if err != nil {
			return n, errors.WithMessage(err, "write header")
		}
	}

	if separator != nil {
		m, err := w.Write(separator)
		n += int64(m)
		if err != nil {
			return n, errors.WithMessage(err, "write separator")
		}
	}

	m, err := io.Copy(w, body)
	n += m
	if err != nil {
		return n, errors.WithMessage(err, "copy body")
	}

	return n, nil
}

func isBlank(line []byte) bool {
	return len(bytes.TrimRight(line, "\r\n")) == 0
}

// fieldKey extracts the lowercased field name, "" for lines that do
// not look like a header at all (those pass through verbatim).
func fieldKey(line []byte) string {
	idx := bytes.IndexByte(line, ':')
	if idx < 0 {
		return ""
	}
	return strings.ToLower(string(bytes.TrimSpace(line[:idx])))
}

// fieldValue unfolds a raw field into its value: bytes after the
// colon, continuation lines joined by a single space.
func fieldValue(raw []byte) string {
	idx := bytes.IndexByte(raw, ':')
	if idx < 0 {
		return ""
	}

	var parts []string
	for _, line := range bytes.Split(raw[idx+1:], []byte{'\n'}) {
		line = bytes.Trim(line, " \t\r")
		if len(line) > 0 {
			parts = append(parts, string(line))
		}
	}
	return strings.Join(parts, " ")
}
