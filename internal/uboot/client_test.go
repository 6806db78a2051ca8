package uboot

import (
	"bytes"
	"context"
	"fmt"
	"hash/crc32"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn is a scripted device: every Send is recorded and handed to the
// script, which answers by injecting chunks into all live subscriptions.
type fakeConn struct {
	mu     sync.Mutex
	sent   [][]byte
	subs   []chan Payload
	onSend func(data []byte)
}

func (f *fakeConn) Send(data []byte) error {
	f.mu.Lock()
	f.sent = append(f.sent, append([]byte(nil), data...))
	cb := f.onSend
	f.mu.Unlock()
	if cb != nil {
		cb(data)
	}
	return nil
}

func (f *fakeConn) Subscribe() (<-chan Payload, func(), error) {
	ch := make(chan Payload, 100)
	f.mu.Lock()
	f.subs = append(f.subs, ch)
	f.mu.Unlock()
	return ch, func() {}, nil
}

func (f *fakeConn) inject(s string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		select {
		case ch <- []byte(s):
		default:
		}
	}
}

func (f *fakeConn) sentFrames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	frames := make([]string, len(f.sent))
	for i, data := range f.sent {
		frames[i] = string(data)
	}
	return frames
}

func TestShellPresenceAtPrompt(t *testing.T) {
	conn := &fakeConn{}
	conn.onSend = func(data []byte) {
		if string(data) == "\r" {
			conn.inject("\r\nhisilicon # ")
		}
	}

	client := NewClient(conn)
	prompt, err := client.ShellPresence()
	require.NoError(t, err)
	assert.Equal(t, "hisilicon # ", string(prompt))

	// only the pre-emptive Ctrl-C and the empty command went out
	assert.Equal(t, []string{"\x03", "\r"}, conn.sentFrames())
}

func TestShellPresenceAutobootIntercept(t *testing.T) {
	conn := &fakeConn{}
	conn.onSend = func(data []byte) {
		switch string(data) {
		case "\r":
			// device is still counting down; the banner shows up after
			// the first prompt probe has given up
			go func() {
				time.Sleep(250 * time.Millisecond)
				conn.inject("Hit any key to stop autoboot:  1")
			}()
		case "a":
			conn.inject("\r\nhisilicon # ")
		}
	}

	client := NewClient(conn)
	prompt, err := client.ShellPresence()
	require.NoError(t, err)
	assert.Equal(t, "hisilicon # ", string(prompt))

	frames := conn.sentFrames()
	assert.Equal(t, []string{"\x03", "\r", "\x03", "a"}, frames)
}

func TestShellPresencePromptTimeout(t *testing.T) {
	conn := &fakeConn{}
	conn.onSend = func(data []byte) {
		if string(data) == "\r" {
			go func() {
				time.Sleep(250 * time.Millisecond)
				conn.inject("Hit any key to stop autoboot:  0")
			}()
		}
		// the stop key is swallowed: no prompt ever appears
	}

	client := NewClient(conn)
	_, err := client.ShellPresence()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "prompt await timeout")
}

func TestVersion(t *testing.T) {
	conn := &fakeConn{}
	conn.onSend = func(data []byte) {
		if string(data) == "getinfo version\r" {
			conn.inject("getinfo version\r\nversion: U-Boot 2016.11-g2fc5f58-dirty\r\n")
		}
	}

	client := NewClient(conn)
	info, err := client.Version()
	require.NoError(t, err)
	assert.Equal(t, VersionInfo{
		Year:     2016,
		Month:    11,
		Revision: "g2fc5f58",
		Suffix:   "dirty",
	}, info)
}

func TestFlashInfo(t *testing.T) {
	conn := &fakeConn{}
	conn.onSend = func(data []byte) {
		switch string(data) {
		case "getinfo bootmode\r":
			conn.inject("getinfo bootmode\r\nspi\r\n")
		case "getinfo spi\r":
			conn.inject("getinfo spi\r\nBlock:64KB Chip:8MB*1\r\nID:0xA1 0x40 0x17\r\nName:\"XM_FM25Q64\"\r\n")
		}
	}

	client := NewClient(conn)
	info, err := client.FlashInfo()
	require.NoError(t, err)
	assert.Equal(t, FlashInfo{
		Kind:  FlashSpi,
		Block: 64 << 10,
		Size:  8 << 20,
		Count: 1,
		ID:    [3]byte{0xa1, 0x40, 0x17},
		Name:  "XM_FM25Q64",
	}, info)
}

func TestEnvironAndMTDParts(t *testing.T) {
	conn := &fakeConn{}
	conn.onSend = func(data []byte) {
		if string(data) == "printenv\r" {
			conn.inject("printenv\r\n" +
				"baudrate=115200\r\n" +
				"bootargs=mem=64M console=ttyAMA0,115200 mtdparts=hi_sfc:0x40000(boot),0x2E0000(romfs),0x420000(user)\r\n" +
				"bootdelay=1\r\n")
		}
	}

	client := NewClient(conn)
	parts, err := client.MTDParts()
	require.NoError(t, err)
	require.Len(t, parts, 3)
	assert.Equal(t, MTDPart{Name: "boot", Region: MemRegion{Base: 0, Size: 0x40000}}, parts[0])
	assert.Equal(t, MTDPart{Name: "romfs", Region: MemRegion{Base: 0x40000, Size: 0x2E0000}}, parts[1])
	assert.Equal(t, MTDPart{Name: "user", Region: MemRegion{Base: 0x320000, Size: 0x420000}}, parts[2])
}

func TestMTDPartsMissingBootargs(t *testing.T) {
	conn := &fakeConn{}
	conn.onSend = func(data []byte) {
		if string(data) == "printenv\r" {
			conn.inject("printenv\r\nbaudrate=115200\r\n")
		}
	}

	client := NewClient(conn)
	_, err := client.MTDParts()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bootargs")
}

func TestRAMInfo(t *testing.T) {
	conn := &fakeConn{}
	conn.onSend = func(data []byte) {
		if string(data) == "bdinfo\r" {
			conn.inject("bdinfo\r\n" +
				"arch_number = 0x00001F40\r\n" +
				"DRAM bank   = 0x00000000\r\n" +
				"-> start    = 0x40000000\r\n" +
				"-> size     = 0x04000000\r\n")
		}
	}

	client := NewClient(conn)
	ram, err := client.RAMInfo()
	require.NoError(t, err)
	assert.Equal(t, MemRegion{Base: 0x40000000, Size: 0x04000000}, ram)
}

func TestSpiFlashCmdNoEcho(t *testing.T) {
	conn := &fakeConn{}

	client := NewClient(conn)
	err := client.spiFlashCmd("probe 0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SPI command")
}

// hexDumpTranscript renders data the way md.b does, 16 bytes per line.
func hexDumpTranscript(address uint64, data []byte) string {
	var b strings.Builder
	for off := 0; off < len(data); off += hexLineBytes {
		end := off + hexLineBytes
		if end > len(data) {
			end = len(data)
		}
		fmt.Fprintf(&b, "%08x:", address+uint64(off))
		for _, c := range data[off:end] {
			fmt.Fprintf(&b, " %02x", c)
		}
		b.WriteString("    ................\r\n")
	}
	return b.String()
}

// dumpScript wires a fakeConn to answer the whole dump command sequence
// for the given partition content.
func dumpScript(conn *fakeConn, address uint64, transcript []byte, checksum uint32) func([]byte) {
	return func(data []byte) {
		cmd := strings.TrimSuffix(string(data), "\r")
		switch {
		case cmd == "sf probe 0":
			conn.inject("sf probe 0\r\n")
		case strings.HasPrefix(cmd, "sf read"):
			conn.inject(cmd + "\r\n")
		case strings.HasPrefix(cmd, "crc32"):
			conn.inject(fmt.Sprintf("crc32 for %#08x ... %#08x ==> 0x%08x\r\n", address, address+uint64(len(transcript))-1, checksum))
		case strings.HasPrefix(cmd, "md.b"):
			conn.inject(cmd + "\r\n" + hexDumpTranscript(address, transcript))
		}
	}
}

func TestDumpMTDPart(t *testing.T) {
	ram := MemRegion{Base: 0x40000000, Size: 0x04000000}
	address := DumpAddress(ram)
	require.Equal(t, uint64(0x42000000), address)

	data := make([]byte, 0x40)
	for i := range data {
		data[i] = byte(i)
	}

	conn := &fakeConn{}
	conn.onSend = dumpScript(conn, address, data, crc32.ChecksumIEEE(data))

	region := MemRegion{Base: 0, Size: uint64(len(data))}
	progress := NewProgress()
	var last uint64
	done := make(chan struct{})
	go func() {
		defer close(done)
		for off := range progress {
			last = off
		}
	}()

	var sink bytes.Buffer
	client := NewClient(conn)
	err := client.DumpMTDPart(context.Background(), &sink, region, address, progress)
	<-done

	require.NoError(t, err)
	assert.Equal(t, data, sink.Bytes())
	assert.Equal(t, uint64(len(data)), last)
}

func TestDumpMTDPartChecksumMismatch(t *testing.T) {
	ram := MemRegion{Base: 0x40000000, Size: 0x04000000}
	address := DumpAddress(ram)

	data := make([]byte, 0x40)
	for i := range data {
		data[i] = byte(i)
	}
	corrupted := append([]byte(nil), data...)
	corrupted[17] ^= 0x01

	conn := &fakeConn{}
	// the device checksums the pristine RAM copy, the transcript is corrupt
	conn.onSend = dumpScript(conn, address, corrupted, crc32.ChecksumIEEE(data))

	region := MemRegion{Base: 0, Size: uint64(len(data))}
	progress := NewProgress()
	go func() {
		for range progress {
		}
	}()

	var sink bytes.Buffer
	client := NewClient(conn)
	err := client.DumpMTDPart(context.Background(), &sink, region, address, progress)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "checksum mismatch")
	// the bytes were all written before the mismatch was detected
	assert.Equal(t, corrupted, sink.Bytes())
}

func TestDumpMTDPartCancel(t *testing.T) {
	ram := MemRegion{Base: 0x40000000, Size: 0x04000000}
	address := DumpAddress(ram)

	data := make([]byte, 0x40)
	conn := &fakeConn{}
	conn.onSend = dumpScript(conn, address, data, crc32.ChecksumIEEE(data))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// nobody drains progress, so the first report blocks and the
	// cancelled context takes over
	progress := make(chan uint64)

	var sink bytes.Buffer
	client := NewClient(conn)
	err := client.DumpMTDPart(ctx, &sink, MemRegion{Base: 0, Size: uint64(len(data))}, address, progress)
	require.ErrorIs(t, err, context.Canceled)

	frames := conn.sentFrames()
	require.NotEmpty(t, frames)
	assert.Equal(t, "\x03", frames[len(frames)-1])
}
