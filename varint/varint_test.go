package varint

import (
	"bytes"
	"io"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	vals := []uint64{0, 1, 127, 128, 300, 1 << 20, 1<<63 - 1}
	for _, v := range vals {
		buf := Encode(nil, v)
		got, n, err := Decode(buf)
		if err != nil {
			t.Fatalf("decode(%d): %v", v, err)
		}
		if got != v {
			t.Fatalf("round-trip mismatch: want %d got %d", v, got)
		}
		if n != len(buf) {
			t.Fatalf("consumed %d bytes, encoded %d", n, len(buf))
		}
	}
}

func TestReaderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	msgs := [][]byte{[]byte("hello"), []byte(""), bytes.Repeat([]byte{1}, 1000)}
	for _, m := range msgs {
		if err := WriteMessage(&buf, m); err != nil {
			t.Fatal(err)
		}
	}
	fr := NewReader(&buf, 1<<20)
	for _, want := range msgs {
		got, err := fr.ReadMessage()
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("want %q got %q", want, got)
		}
	}
}

func TestReaderNeverReadsPastDeclaredLength(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteMessage(&buf, []byte("abc")); err != nil {
		t.Fatal(err)
	}
	buf.WriteString("trailing-garbage-not-part-of-the-message")
	fr := NewReader(&buf, 1<<20)
	got, err := fr.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "abc" {
		t.Fatalf("want abc, got %q", got)
	}
	rest, _ := io.ReadAll(&buf)
	if string(rest) != "trailing-garbage-not-part-of-the-message" {
		t.Fatalf("reader consumed trailing bytes: %q", rest)
	}
}

func TestReaderOverflow(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteMessage(&buf, bytes.Repeat([]byte{1}, 100)); err != nil {
		t.Fatal(err)
	}
	fr := NewReader(&buf, 10)
	if _, err := fr.ReadMessage(); err != ErrOverflow {
		t.Fatalf("want ErrOverflow, got %v", err)
	}
	// state is sticky: subsequent calls keep failing.
	if _, err := fr.ReadMessage(); err != ErrOverflow {
		t.Fatalf("want sticky ErrOverflow, got %v", err)
	}
}
