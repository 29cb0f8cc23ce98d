package service

import "testing"

func TestSplitCRLF_SingleLine(t *testing.T) {
	advance, token, err := splitCRLF([]byte("pickup\r\n"), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(token) != "pickup" {
		t.Fatalf("token = %q, want pickup", token)
	}
	if advance != len("pickup\r\n") {
		t.Fatalf("advance = %d, want %d", advance, len("pickup\r\n"))
	}
}

func TestSplitCRLF_NoTerminatorYet(t *testing.T) {
	advance, token, err := splitCRLF([]byte("pick"), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if advance != 0 || token != nil {
		t.Fatalf("expected no token yet, got advance=%d token=%q", advance, token)
	}
}

func TestSplitCRLF_BareNewlineNotATerminator(t *testing.T) {
	// A bare \n without \r must not be treated as a line terminator —
	// the wire protocol requires \r\n exactly, unlike bufio.ScanLines.
	advance, token, err := splitCRLF([]byte("pickup\n"), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if advance != 0 || token != nil {
		t.Fatalf("expected no token for bare LF, got advance=%d token=%q", advance, token)
	}
}

func TestSplitCRLF_EOFWithoutTerminator(t *testing.T) {
	advance, token, err := splitCRLF([]byte("dangling"), true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(token) != "dangling" || advance != len("dangling") {
		t.Fatalf("got advance=%d token=%q", advance, token)
	}
}

func TestSplitCRLF_EOFEmpty(t *testing.T) {
	advance, token, err := splitCRLF(nil, true)
	if err != nil || advance != 0 || token != nil {
		t.Fatalf("expected clean EOF, got advance=%d token=%q err=%v", advance, token, err)
	}
}

func TestSplitCRLF_MultipleLinesOneChunk(t *testing.T) {
	data := []byte("pickup\r\nhangup\r\n")
	advance, token, err := splitCRLF(data, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(token) != "pickup" {
		t.Fatalf("first token = %q, want pickup", token)
	}
	advance2, token2, err := splitCRLF(data[advance:], false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(token2) != "hangup" {
		t.Fatalf("second token = %q, want hangup", token2)
	}
	_ = advance2
}
