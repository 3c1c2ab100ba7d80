package gateway

import (
	"strings"
	"testing"
)

const sampleMessage = "From: alice@example.com\r\n" +
	"To: bob@example.net\r\n" +
	"Subject: a folded\r\n subject line\r\n" +
	"\r\n" +
	"body line one\r\n"

func TestSplitMessage(t *testing.T) {
	hdrs, body := splitMessage([]byte(sampleMessage))

	if len(hdrs) != 3 {
		t.Fatalf("headers = %+v", hdrs)
	}
	if hdrs[0].name != "From" || hdrs[0].value != "alice@example.com" {
		t.Fatalf("first header = %+v", hdrs[0])
	}
	if !strings.Contains(hdrs[2].value, "subject line") {
		t.Fatalf("continuation lost: %+v", hdrs[2])
	}
	if string(body) != "body line one\r\n" {
		t.Fatalf("body = %q", body)
	}
}

func TestSplitMessageBareLF(t *testing.T) {
	hdrs, body := splitMessage([]byte("A: 1\nB: 2\n\nbody"))
	if len(hdrs) != 2 || hdrs[1].name != "B" {
		t.Fatalf("headers = %+v", hdrs)
	}
	if string(body) != "body" {
		t.Fatalf("body = %q", body)
	}
}

func TestBufferEmitterAssemble(t *testing.T) {
	hdrs, body := splitMessage([]byte(sampleMessage))

	e := &bufferEmitter{headers: hdrs}
	e.InsertHeader(1, "Authentication-Results", "mx.example.com;\n    spf=pass")
	e.AddHeader("X-Authentication-Milter", "Header added by Authentication Milter")

	final := string(e.assemble(body))

	if !strings.HasPrefix(final, "Authentication-Results: mx.example.com;") {
		t.Fatalf("inserted header not first: %q", final)
	}
	if !strings.Contains(final, "X-Authentication-Milter: Header added by Authentication Milter\r\n") {
		t.Fatalf("appended header missing: %q", final)
	}
	if !strings.HasSuffix(final, "\r\nbody line one\r\n") {
		t.Fatalf("body mangled: %q", final)
	}
}

func TestBufferEmitterChangeHeader(t *testing.T) {
	raw := "Authentication-Results: a.example; spf=pass\r\n" +
		"Authentication-Results: b.example; spf=fail\r\n" +
		"Subject: x\r\n" +
		"\r\nbody"
	hdrs, body := splitMessage([]byte(raw))

	e := &bufferEmitter{headers: hdrs}
	// blank the second occurrence, milter-style
	e.ChangeHeader(2, "Authentication-Results", "")

	final := string(e.assemble(body))
	if strings.Contains(final, "b.example") {
		t.Fatalf("second occurrence not removed: %q", final)
	}
	if !strings.Contains(final, "a.example") {
		t.Fatalf("first occurrence lost: %q", final)
	}
}
