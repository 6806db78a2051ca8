package uboot

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"uboottool/internal/parse"
)

const (
	// rxDelay is the quiescence window that delimits a line: once the
	// port stays silent this long, a buffered partial line is flushed.
	rxDelay = 50 * time.Millisecond
	// replyTimeout delimits "the device is still answering" for every
	// request. Must stay above rxDelay so the framer gets to flush at
	// least once before a request gives up.
	replyTimeout = 150 * time.Millisecond
)

// errIdle reports that the device went quiet past replyTimeout.
var errIdle = errors.New("device idle")

// ctrlC aborts whatever the bootloader is doing.
var ctrlC = TerminalKey{Kind: KeyCtrl, Char: 'C'}

// Client drives the U-Boot shell over a Conn. All methods assume the caller
// serializes its own command sequence per device; commands from different
// handles interleave in unspecified order.
type Client struct {
	conn Conn
}

// NewClient wraps an established connection.
func NewClient(conn Conn) *Client {
	return &Client{conn: conn}
}

// Dial opens the serial port and returns a client over it.
func Dial(port string, baud uint32) (*Client, error) {
	t, err := Open(port, baud)
	if err != nil {
		return nil, err
	}
	return NewClient(t), nil
}

// SendRaw sends bytes verbatim.
func (c *Client) SendRaw(data []byte) error {
	return c.conn.Send(data)
}

// SendCmd sends a command line, terminated by '\r' as the shell expects.
func (c *Client) SendCmd(cmd string) error {
	return c.SendRaw(append([]byte(cmd), '\r'))
}

// lines opens a fresh subscription framed into lines. The returned stop
// function detaches the subscription and drains what the framer still
// holds, so its goroutine can finish.
func (c *Client) lines() (<-chan []byte, func(), error) {
	chunks, cancel, err := c.conn.Subscribe()
	if err != nil {
		return nil, nil, err
	}
	out := Lines(chunks, rxDelay)
	stop := func() {
		cancel()
		go func() {
			for range out {
			}
		}()
	}
	return out, stop, nil
}

// nextLine reads one line, bounded by the reply timeout. io.EOF means the
// subscription ended; errIdle means the device went quiet.
func nextLine(lines <-chan []byte, timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case line, ok := <-lines:
		if !ok {
			return nil, io.EOF
		}
		return line, nil
	case <-timer.C:
		return nil, errIdle
	}
}

// isComplete reports whether the line is a finished console line rather
// than a quiescence-flushed prompt. The shell prints "\r\n" after every
// status line but never after its prompt, so the '\r' left by the framer
// is the completeness marker.
func isComplete(line []byte) bool {
	return bytes.HasSuffix(line, []byte{'\r'})
}

// ShellPresence catches the device in its shell: it pre-emptively breaks a
// running autoboot countdown and waits for the prompt. Returns the raw
// prompt bytes. Extra Ctrl-C at an already idle prompt is harmless.
func (c *Client) ShellPresence() ([]byte, error) {
	if err := c.SendRaw(ctrlC.Encode()); err != nil {
		return nil, err
	}

	lines, cancel, err := c.lines()
	if err != nil {
		return nil, err
	}
	defer cancel()

	// An empty command makes an already present shell repaint its prompt.
	if err := c.SendCmd(""); err != nil {
		return nil, err
	}

	for {
		line, err := nextLine(lines, replyTimeout)
		if err == errIdle {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("unexpected EOF while waiting for prompt")
		}
		if !isComplete(line) {
			return line, nil
		}
	}

	// No prompt yet: the device is still booting. Keep knocking with
	// Ctrl-C until the autoboot banner tells us which key stops it.
	for line := range lines {
		if err := c.SendRaw(ctrlC.Encode()); err != nil {
			return nil, err
		}
		if key, err := ParseStopAutoboot(string(line)); err == nil {
			log.Printf("stopping autoboot")
			if err := c.SendRaw(key.Encode()); err != nil {
				return nil, err
			}
			break
		}
	}

	for {
		line, err := nextLine(lines, replyTimeout)
		if err == errIdle {
			return nil, fmt.Errorf("prompt await timeout")
		}
		if err != nil {
			return nil, fmt.Errorf("unexpected EOF while waiting for prompt")
		}
		if !isComplete(line) {
			return line, nil
		}
	}
}

// Version queries the U-Boot version banner.
func (c *Client) Version() (VersionInfo, error) {
	lines, cancel, err := c.lines()
	if err != nil {
		return VersionInfo{}, err
	}
	defer cancel()

	if err := c.SendCmd("getinfo version"); err != nil {
		return VersionInfo{}, err
	}
	for {
		line, err := nextLine(lines, replyTimeout)
		if err == errIdle {
			return VersionInfo{}, fmt.Errorf("version request timeout")
		}
		if err != nil {
			return VersionInfo{}, fmt.Errorf("unexpected EOF")
		}
		if !isComplete(line) {
			continue
		}
		if version, err := ParseVersion(string(line)); err == nil {
			return version, nil
		}
	}
}

// FlashInfo queries the flash chip parameters. The boot mode reply decides
// whether the SPI or the NAND variant of the info command is used; every
// recognizable fragment of its output is folded into the result.
func (c *Client) FlashInfo() (FlashInfo, error) {
	lines, cancel, err := c.lines()
	if err != nil {
		return FlashInfo{}, err
	}
	defer cancel()

	if err := c.SendCmd("getinfo bootmode"); err != nil {
		return FlashInfo{}, err
	}
	var kind FlashKind
	for {
		line, err := nextLine(lines, replyTimeout)
		if err == errIdle {
			return FlashInfo{}, fmt.Errorf("boot mode request timeout")
		}
		if err != nil {
			return FlashInfo{}, fmt.Errorf("unexpected EOF")
		}
		if !isComplete(line) {
			continue
		}
		if k, err := ParseFlashKind(string(line)); err == nil {
			kind = k
			break
		}
	}

	cmd := "getinfo spi"
	if kind == FlashNand {
		cmd = "getinfo nand"
	}
	if err := c.SendCmd(cmd); err != nil {
		return FlashInfo{}, err
	}

	info := FlashInfo{Kind: kind}
	for {
		line, err := nextLine(lines, replyTimeout)
		if err == errIdle {
			return info, nil
		}
		if err != nil {
			return FlashInfo{}, fmt.Errorf("unexpected EOF")
		}
		if !isComplete(line) {
			continue
		}
		_ = info.FillParse(string(line))
	}
}

// Environ dumps the environment via printenv. Unparseable lines are
// skipped; the device going idle ends the collection.
func (c *Client) Environ() (*Variables, error) {
	return c.collectVariables("printenv")
}

// BoardInfo dumps the bdinfo output as variables.
func (c *Client) BoardInfo() (*Variables, error) {
	return c.collectVariables("bdinfo")
}

func (c *Client) collectVariables(cmd string) (*Variables, error) {
	lines, cancel, err := c.lines()
	if err != nil {
		return nil, err
	}
	defer cancel()

	if err := c.SendCmd(cmd); err != nil {
		return nil, err
	}
	vars := &Variables{}
	for {
		line, err := nextLine(lines, replyTimeout)
		if err == errIdle {
			return vars, nil
		}
		if err != nil {
			return nil, fmt.Errorf("unexpected EOF")
		}
		if !isComplete(line) {
			continue
		}
		_ = vars.ExtendParseEnv(string(line))
	}
}

// RAMInfo returns the DRAM bank reported by bdinfo.
func (c *Client) RAMInfo() (MemRegion, error) {
	vars, err := c.BoardInfo()
	if err != nil {
		return MemRegion{}, err
	}
	return vars.RAMInfo()
}

// MTDParts extracts the partition table from the mtdparts= clause of the
// bootargs environment variable.
func (c *Client) MTDParts() (MTDTable, error) {
	environ, err := c.Environ()
	if err != nil {
		return nil, err
	}
	bootargs, ok := environ.Get("bootargs")
	if !ok {
		return nil, fmt.Errorf("no bootargs in environment")
	}
	_, args, found := strings.Cut(bootargs, "mtdparts=")
	if !found {
		return nil, fmt.Errorf("no mtdparts in bootargs")
	}
	return ParseMTDParts(args)
}

// spiFlashCmd runs an sf subcommand. The command echo counts as proof of
// execution: a reply with no terminated lines at all means the sf command
// set is absent.
func (c *Client) spiFlashCmd(cmd string) error {
	lines, cancel, err := c.lines()
	if err != nil {
		return err
	}
	defer cancel()

	if err := c.SendCmd("sf " + cmd); err != nil {
		return err
	}
	count := 0
	for {
		line, err := nextLine(lines, replyTimeout)
		if err == errIdle {
			break
		}
		if err != nil {
			return fmt.Errorf("unexpected EOF")
		}
		if isComplete(line) {
			count++
		}
	}
	if count == 0 {
		return fmt.Errorf("unable to execute SPI command")
	}
	return nil
}

// readMTDPart stages one flash partition into RAM at address.
func (c *Client) readMTDPart(region MemRegion, address uint64) error {
	if err := c.spiFlashCmd("probe 0"); err != nil {
		return err
	}
	return c.spiFlashCmd(fmt.Sprintf("read %#08x %#08x %#08x", address, region.Base, region.Size))
}

// CRC32 asks the device to checksum a memory range.
func (c *Client) CRC32(address, size uint64) (uint32, error) {
	lines, cancel, err := c.lines()
	if err != nil {
		return 0, err
	}
	defer cancel()

	if err := c.SendCmd(fmt.Sprintf("crc32 %#08x %#08x", address, size)); err != nil {
		return 0, err
	}
	for {
		line, err := nextLine(lines, replyTimeout)
		if err == errIdle {
			return 0, fmt.Errorf("crc32 request timeout")
		}
		if err != nil {
			return 0, fmt.Errorf("unexpected EOF")
		}
		if !isComplete(line) {
			continue
		}
		s := string(line)
		if !strings.HasPrefix(s, "crc32 for") {
			continue
		}
		// the checksum is the last space-separated token
		s = strings.TrimRight(s, "\r")
		sum := s[strings.LastIndexByte(s, ' ')+1:]
		sum = strings.TrimPrefix(sum, "0x")
		val, _, perr := parse.HexU64(sum)
		if perr != nil {
			return 0, fmt.Errorf("unable to parse crc32 reply %q", string(line))
		}
		return uint32(val), nil
	}
}
