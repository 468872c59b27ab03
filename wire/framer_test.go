package wire

import (
	"reflect"
	"testing"
)

func TestFramer_SingleChunk(t *testing.T) {
	var f Framer
	lines := f.Feed([]byte("{\"a\":1}\n{\"b\":2}\n"))

	want := []string{`{"a":1}`, `{"b":2}`}
	if !reflect.DeepEqual(lines, want) {
		t.Errorf("Feed = %v, want %v", lines, want)
	}
	if f.Pending() != 0 {
		t.Errorf("Pending = %d, want 0", f.Pending())
	}
}

func TestFramer_PartialLineBuffered(t *testing.T) {
	var f Framer

	if lines := f.Feed([]byte(`{"a":`)); lines != nil {
		t.Errorf("partial chunk produced lines: %v", lines)
	}
	if f.Pending() == 0 {
		t.Error("partial data should be buffered")
	}

	lines := f.Feed([]byte("1}\n"))
	if !reflect.DeepEqual(lines, []string{`{"a":1}`}) {
		t.Errorf("Feed = %v, want [{\"a\":1}]", lines)
	}
}

func TestFramer_ChunkingInvariance(t *testing.T) {
	stream := "{\"type\":\"event\",\"n\":1}\n{\"type\":\"event\",\"n\":2}\n{\"n\":3}\n"
	want := []string{`{"type":"event","n":1}`, `{"type":"event","n":2}`, `{"n":3}`}

	// Every split point of the stream into two chunks must reconstruct
	// the identical line sequence.
	for i := 0; i <= len(stream); i++ {
		var f Framer
		var got []string
		got = append(got, f.Feed([]byte(stream[:i]))...)
		got = append(got, f.Feed([]byte(stream[i:]))...)
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("split at %d: got %v, want %v", i, got, want)
		}
	}

	// Byte-at-a-time feeding must also match.
	var f Framer
	var got []string
	for i := 0; i < len(stream); i++ {
		got = append(got, f.Feed([]byte{stream[i]})...)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("byte-at-a-time: got %v, want %v", got, want)
	}
}

func TestFramer_CarriageReturnsNormalized(t *testing.T) {
	var f Framer
	lines := f.Feed([]byte("{\"a\":1}\r\n"))
	if !reflect.DeepEqual(lines, []string{`{"a":1}`}) {
		t.Errorf("Feed = %v, want [{\"a\":1}]", lines)
	}
}

func TestFramer_EmptyLines(t *testing.T) {
	var f Framer
	lines := f.Feed([]byte("\n{\"a\":1}\n\n"))
	want := []string{"", `{"a":1}`, ""}
	if !reflect.DeepEqual(lines, want) {
		t.Errorf("Feed = %v, want %v", lines, want)
	}
}

func TestFramer_CloseDiscardsPartial(t *testing.T) {
	var f Framer
	f.Feed([]byte(`{"trunc`))

	discarded := f.Close()
	if discarded != `{"trunc` {
		t.Errorf("Close = %q, want %q", discarded, `{"trunc`)
	}
	if f.Pending() != 0 {
		t.Errorf("Pending after Close = %d, want 0", f.Pending())
	}

	// A process that dies mid-line produces no record for the fragment.
	if lines := f.Feed([]byte("{\"a\":1}\n")); !reflect.DeepEqual(lines, []string{`{"a":1}`}) {
		t.Errorf("Feed after Close = %v, want [{\"a\":1}]", lines)
	}
}

func TestFramer_FeedEmptyChunk(t *testing.T) {
	var f Framer
	if lines := f.Feed(nil); lines != nil {
		t.Errorf("Feed(nil) = %v, want nil", lines)
	}
}

func TestAppendFrame(t *testing.T) {
	got := AppendFrame(nil, []byte(`{"a":1}`))
	if string(got) != "{\"a\":1}\n" {
		t.Errorf("AppendFrame = %q, want %q", got, "{\"a\":1}\n")
	}

	// Exactly one newline per frame, never batched.
	got = AppendFrame(got, []byte(`{"b":2}`))
	if string(got) != "{\"a\":1}\n{\"b\":2}\n" {
		t.Errorf("AppendFrame = %q", got)
	}
}
