package uboot

import (
	"bytes"
	"time"
)

// Lines turns a stream of raw byte chunks into a stream of lines. Chunks
// are split on '\n'; the '\n' is consumed while a preceding '\r' is kept,
// so downstream code can tell completed lines (trailing '\r') from a
// flushed partial line. The buffered tail is flushed as a line of its own
// whenever no chunk arrives for the quiescence timeout, which is how the
// bootloader's newline-less shell prompt becomes visible.
//
// The returned channel closes when chunks closes and the buffer is drained.
func Lines(chunks <-chan Payload, timeout time.Duration) <-chan []byte {
	out := make(chan []byte)
	go func() {
		defer close(out)

		// queue holds lines known to be complete plus, as the last
		// entry, the still-open tail.
		var queue [][]byte
		timer := time.NewTimer(timeout)
		defer timer.Stop()

		for {
			// Emit while more than one entry is buffered; the last
			// entry stays as the open tail.
			for len(queue) > 1 {
				out <- queue[0]
				queue = queue[1:]
			}

			select {
			case chunk, ok := <-chunks:
				if !ok {
					for _, line := range queue {
						out <- line
					}
					return
				}
				if len(chunk) == 0 {
					continue
				}
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(timeout)

				pieces := bytes.Split(chunk, []byte{'\n'})
				if len(queue) > 0 {
					last := len(queue) - 1
					queue[last] = append(queue[last], pieces[0]...)
				} else {
					queue = append(queue, append([]byte(nil), pieces[0]...))
				}
				for _, piece := range pieces[1:] {
					queue = append(queue, append([]byte(nil), piece...))
				}

			case <-timer.C:
				if len(queue) > 0 {
					out <- queue[0]
					queue = queue[1:]
				}
				timer.Reset(timeout)
			}
		}
	}()
	return out
}
