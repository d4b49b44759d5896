package pipeline

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/pkg/errors"
)

func run(t *testing.T, in string) (Result, string) {
	t.Helper()
	var out bytes.Buffer
	res, err := Run(strings.NewReader(in), &out)
	if err != nil {
		t.Fatalf("Run: %s", err)
	}
	return res, out.String()
}

func TestDirectiveStripped(t *testing.T) {
	in := "From: a@example.com\r\n" +
		"X-EE-Account: acct1\r\n" +
		"Subject: hi\r\n" +
		"\r\n" +
		"body line one\r\nbody line two\r\n"

	res, out := run(t, in)

	if res.Directive != "acct1" {
		t.Fatalf("expected directive 'acct1', got '%s'", res.Directive)
	}

	want := "From: a@example.com\r\n" +
		"Subject: hi\r\n" +
		"\r\n" +
		"body line one\r\nbody line two\r\n"
	if out != want {
		t.Fatalf("output mismatch:\n%q\nwant:\n%q", out, want)
	}
	if res.BytesWritten != int64(len(want)) {
		t.Fatalf("expected %d bytes written, got %d", len(want), res.BytesWritten)
	}
}

func TestNoDirectivePassesThrough(t *testing.T) {
	// LF line endings and no trailing newline must survive untouched
	in := "From: a@example.com\nSubject: hi\n\nbody without trailing newline"

	res, out := run(t, in)

	if res.Directive != "" {
		t.Fatalf("unexpected directive '%s'", res.Directive)
	}
	if out != in {
		t.Fatalf("output mismatch:\n%q\nwant:\n%q", out, in)
	}
}

func TestCaseInsensitiveMatch(t *testing.T) {
	in := "x-ee-account: acct1\r\n\r\nbody\r\n"

	res, out := run(t, in)

	if res.Directive != "acct1" {
		t.Fatalf("expected directive 'acct1', got '%s'", res.Directive)
	}
	if strings.Contains(strings.ToLower(out), "x-ee-account") {
		t.Fatalf("routing header still present:\n%q", out)
	}
}

func TestFoldedDirectiveRemovedWhole(t *testing.T) {
	in := "From: a@example.com\r\n" +
		"X-EE-Account: acct1\r\n" +
		"\tignored-continuation\r\n" +
		"Subject: hi\r\n" +
		"\r\nbody\r\n"

	res, out := run(t, in)

	if res.Directive != "acct1 ignored-continuation" {
		t.Fatalf("unexpected directive '%s'", res.Directive)
	}
	if strings.Contains(out, "ignored-continuation") {
		t.Fatalf("folded line survived:\n%q", out)
	}
	if !strings.Contains(out, "Subject: hi\r\n") {
		t.Fatalf("unrelated header lost:\n%q", out)
	}
}

func TestMultipleOccurrencesAllStripped(t *testing.T) {
	in := "X-EE-Account: first\r\n" +
		"Subject: hi\r\n" +
		"X-EE-Account: second\r\n" +
		"\r\nbody\r\n"

	res, out := run(t, in)

	if res.Directive != "first" {
		t.Fatalf("expected first value, got '%s'", res.Directive)
	}
	if strings.Contains(out, "X-EE-Account") {
		t.Fatalf("routing header still present:\n%q", out)
	}
}

func TestHeaderOnlyMessage(t *testing.T) {
	in := "From: a@example.com\r\nX-EE-Account: acct1\r\n"

	res, out := run(t, in)

	if res.Directive != "acct1" {
		t.Fatalf("expected directive 'acct1', got '%s'", res.Directive)
	}
	if out != "From: a@example.com\r\n" {
		t.Fatalf("output mismatch:\n%q", out)
	}
}

func TestOversizedHeaderBlock(t *testing.T) {
	var in strings.Builder
	for in.Len() <= maxHeaderBytes {
		in.WriteString("X-Filler: aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa\r\n")
	}
	in.WriteString("\r\nbody\r\n")

	var out bytes.Buffer
	_, err := Run(strings.NewReader(in.String()), &out)
	if !errors.Is(err, ErrHeaderTooLarge) {
		t.Fatalf("expected ErrHeaderTooLarge, got %v", err)
	}
}

type failingReader struct {
	r    io.Reader
	errs error
}

func (f *failingReader) Read(p []byte) (int, error) {
	n, err := f.r.Read(p)
	if err == io.EOF {
		return n, f.errs
	}
	return n, err
}

// an upstream stream error must surface as the one error Run returns
func TestUpstreamErrorUnified(t *testing.T) {
	cause := errors.New("connection reset")
	in := &failingReader{
		r:    strings.NewReader("Subject: hi\r\n\r\npartial body"),
		errs: cause,
	}

	var out bytes.Buffer
	_, err := Run(in, &out)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to be preserved, got: %s", err)
	}
}
