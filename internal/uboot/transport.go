package uboot

import (
	"errors"
	"fmt"
	"log"

	ioctl "github.com/daedaluz/goioctl"
	serial "github.com/daedaluz/goserial"
	"golang.org/x/sys/unix"
)

// Payload is one chunk of bytes as read from the serial port.
type Payload = []byte

const (
	// rxBufSize bounds a single serial read.
	rxBufSize = 64 << 10
	// ctlQueueLen bounds the transport control mailbox.
	ctlQueueLen = 1000
	// subQueueLen bounds each subscriber's chunk queue. A subscriber that
	// falls this far behind is dropped.
	subQueueLen = 1000
)

// ErrTransportClosed reports an operation on a transport whose port task
// has exited.
var ErrTransportClosed = errors.New("serial transport closed")

// Conn is the byte-stream the client speaks over: send raw bytes out,
// subscribe to the chunks coming back. Implemented by Transport and by the
// transcript fakes in tests.
type Conn interface {
	Send(data []byte) error
	// Subscribe returns a fresh chunk stream and a cancel function. The
	// stream only carries chunks received after the subscription took
	// effect.
	Subscribe() (<-chan Payload, func(), error)
}

type ctlMsg struct {
	out   []byte
	sub   chan Payload
	unsub chan Payload
	quit  bool
}

// Transport owns exactly one serial port. A single background task reads
// the port and broadcasts every chunk to all live subscribers, and drains a
// control mailbox for outbound writes and subscription changes. Handles are
// cheap: they only hold the mailbox.
type Transport struct {
	ctl  chan ctlMsg
	done chan struct{}
}

// Open opens the serial port in exclusive raw 8-N-1 mode without flow
// control at the given baud rate and starts the port task.
func Open(name string, baud uint32) (*Transport, error) {
	port, err := serial.Open(name, nil)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	if err := ioctl.Ioctl(uintptr(port.Fd()), unix.TIOCEXCL, 0); err != nil {
		port.Close()
		return nil, fmt.Errorf("lock %s: %w", name, err)
	}
	attrs, err := port.GetAttr2()
	if err != nil {
		port.Close()
		return nil, fmt.Errorf("get attrs of %s: %w", name, err)
	}
	attrs.MakeRaw()
	attrs.Cflag &^= serial.CSTOPB | serial.CRTSCTS
	attrs.Cflag |= serial.CREAD | serial.CLOCAL
	attrs.SetCustomSpeed(baud)
	attrs.Cc[serial.VMIN] = 1
	attrs.Cc[serial.VTIME] = 0
	if err := port.SetAttr2(serial.TCSANOW, attrs); err != nil {
		port.Close()
		return nil, fmt.Errorf("configure %s: %w", name, err)
	}

	t := &Transport{
		ctl:  make(chan ctlMsg, ctlQueueLen),
		done: make(chan struct{}),
	}
	go t.run(port)
	return t, nil
}

// Send queues bytes for transmission. Bytes are written to the port in send
// order, fully drained before the next outbound event.
func (t *Transport) Send(data []byte) error {
	msg := ctlMsg{out: append([]byte(nil), data...)}
	select {
	case t.ctl <- msg:
		return nil
	case <-t.done:
		return ErrTransportClosed
	}
}

// Subscribe registers a new chunk subscriber. The cancel function detaches
// it; an abandoned subscriber is dropped once its queue fills up.
func (t *Transport) Subscribe() (<-chan Payload, func(), error) {
	ch := make(chan Payload, subQueueLen)
	select {
	case t.ctl <- ctlMsg{sub: ch}:
	case <-t.done:
		return nil, nil, ErrTransportClosed
	}
	cancel := func() {
		select {
		case t.ctl <- ctlMsg{unsub: ch}:
		case <-t.done:
		}
	}
	return ch, cancel, nil
}

// Close stops the port task and closes the port.
func (t *Transport) Close() error {
	select {
	case t.ctl <- ctlMsg{quit: true}:
	case <-t.done:
	}
	return nil
}

// run is the port task. It terminates on port I/O error or on a close
// request, closing every subscriber channel on the way out.
func (t *Transport) run(port *serial.Port) {
	rx := make(chan Payload)
	go func() {
		defer close(rx)
		buf := make([]byte, rxBufSize)
		for {
			n, err := port.Read(buf)
			if err != nil {
				return
			}
			if n == 0 {
				continue
			}
			select {
			case rx <- append([]byte(nil), buf[:n]...):
			case <-t.done:
				return
			}
		}
	}()

	var subs []chan Payload
	defer func() {
		close(t.done)
		port.Close()
		for _, sub := range subs {
			close(sub)
		}
	}()

	for {
		select {
		case chunk, ok := <-rx:
			if !ok {
				log.Printf("serial port read failed, shutting down transport")
				return
			}
			subs = broadcast(subs, chunk)

		case msg := <-t.ctl:
			switch {
			case msg.quit:
				return
			case msg.out != nil:
				if _, err := port.Write(msg.out); err != nil {
					log.Printf("serial port write failed: %v", err)
					return
				}
			case msg.sub != nil:
				subs = evict(subs)
				subs = append(subs, msg.sub)
			case msg.unsub != nil:
				for i, sub := range subs {
					if sub == msg.unsub {
						close(sub)
						subs = append(subs[:i], subs[i+1:]...)
						break
					}
				}
			}
		}
	}
}

// broadcast delivers the chunk to every subscriber. A subscriber whose
// queue is full is treated as gone and dropped.
func broadcast(subs []chan Payload, chunk Payload) []chan Payload {
	for i := 0; i < len(subs); {
		select {
		case subs[i] <- chunk:
			i++
		default:
			close(subs[i])
			subs = append(subs[:i], subs[i+1:]...)
		}
	}
	return subs
}

// evict drops subscribers that already stopped draining their queue.
func evict(subs []chan Payload) []chan Payload {
	for i := 0; i < len(subs); {
		if len(subs[i]) == cap(subs[i]) {
			close(subs[i])
			subs = append(subs[:i], subs[i+1:]...)
			continue
		}
		i++
	}
	return subs
}
