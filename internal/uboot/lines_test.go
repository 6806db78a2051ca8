package uboot

import (
	"strings"
	"testing"
	"time"
)

func collect(t *testing.T, lines <-chan []byte) []string {
	t.Helper()
	var out []string
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return out
			}
			out = append(out, string(line))
		case <-time.After(2 * time.Second):
			t.Fatal("timed out collecting lines")
		}
	}
}

func feed(chunks ...string) chan Payload {
	ch := make(chan Payload, len(chunks))
	for _, chunk := range chunks {
		ch <- []byte(chunk)
	}
	close(ch)
	return ch
}

func TestLinesMatchSplit(t *testing.T) {
	input := "status ok\r\nloading\r\npartial tail"
	want := strings.Split(input, "\n")

	partitions := [][]string{
		{input},
		{"status ok\r", "\nloading\r\npartial tail"},
		{"status ok\r\nloa", "ding\r\npar", "tial tail"},
		{"s", "t", "a", "t", "u", "s", " ", "o", "k", "\r", "\n", "loading\r\npartial tail"},
	}
	for i, chunks := range partitions {
		got := collect(t, Lines(feed(chunks...), 50*time.Millisecond))
		if len(got) != len(want) {
			t.Fatalf("partition %d: got %d lines, want %d: %q", i, len(got), len(want), got)
		}
		for j := range want {
			if got[j] != want[j] {
				t.Errorf("partition %d line %d: got %q, want %q", i, j, got[j], want[j])
			}
		}
	}
}

func TestLinesKeepCarriageReturn(t *testing.T) {
	got := collect(t, Lines(feed("a\r\nb\n"), 50*time.Millisecond))
	if len(got) != 3 || got[0] != "a\r" || got[1] != "b" || got[2] != "" {
		t.Fatalf("got %q", got)
	}
}

func TestLinesQuiescenceFlush(t *testing.T) {
	chunks := make(chan Payload, 1)
	chunks <- []byte("hisilicon # ")
	lines := Lines(chunks, 50*time.Millisecond)

	select {
	case line := <-lines:
		if string(line) != "hisilicon # " {
			t.Fatalf("got %q", line)
		}
	case <-time.After(time.Second):
		t.Fatal("flush never happened")
	}
	close(chunks)
	if rest := collect(t, lines); len(rest) != 0 {
		t.Fatalf("unexpected extra lines %q", rest)
	}
}

func TestLinesEmptyChunkDoesNotResetTimer(t *testing.T) {
	chunks := make(chan Payload, 2)
	lines := Lines(chunks, 200*time.Millisecond)

	start := time.Now()
	chunks <- []byte("tail")
	go func() {
		time.Sleep(150 * time.Millisecond)
		chunks <- []byte{}
	}()

	select {
	case line := <-lines:
		if string(line) != "tail" {
			t.Fatalf("got %q", line)
		}
		// an empty chunk must not push the flush out past the original
		// deadline
		if elapsed := time.Since(start); elapsed > 300*time.Millisecond {
			t.Fatalf("flush took %v", elapsed)
		}
	case <-time.After(time.Second):
		t.Fatal("flush never happened")
	}
	close(chunks)
}

func TestLinesInterleavedReads(t *testing.T) {
	chunks := make(chan Payload)
	lines := Lines(chunks, 50*time.Millisecond)

	go func() {
		chunks <- []byte("one\r\ntwo\r\nthree\r\n")
		close(chunks)
	}()

	want := []string{"one\r", "two\r", "three\r", ""}
	got := collect(t, lines)
	if len(got) != len(want) {
		t.Fatalf("got %q", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("line %d: got %q, want %q", i, got[i], want[i])
		}
	}
}
