package uboot

import (
	"context"
	"fmt"
	"hash/crc32"
	"io"
)

// progressQueueLen bounds the dump progress channel.
const progressQueueLen = 10

// DumpAddress picks the scratch address for staging partitions: the upper
// half of RAM, clear of whatever the bootloader keeps in the lower half.
func DumpAddress(ram MemRegion) uint64 {
	return ram.Base + ram.Size/2
}

// NewProgress returns a progress channel sized for DumpMTDPart.
func NewProgress() chan uint64 {
	return make(chan uint64, progressQueueLen)
}

// DumpMTDPart streams one flash partition into w.
//
// The partition is first staged into RAM with sf read, checksummed on the
// device with crc32, then transcribed over the console with md.b. Every
// hex-dump line is CRC'd on the host as it is written, and the final sum
// must match the device's: that bounds both a bad flash read and a corrupt
// serial transcription.
//
// After each line the running offset is sent on progress; the send blocks
// when the consumer lags. Cancelling ctx aborts the device-side dump with
// Ctrl-C and returns ctx.Err(). The progress channel is closed on return.
func (c *Client) DumpMTDPart(ctx context.Context, w io.Writer, region MemRegion, address uint64, progress chan<- uint64) error {
	defer close(progress)

	if err := c.readMTDPart(region, address); err != nil {
		return err
	}
	checksum, err := c.CRC32(address, region.Size)
	if err != nil {
		return err
	}

	lines, cancel, err := c.lines()
	if err != nil {
		return err
	}
	defer cancel()

	if err := c.SendCmd(fmt.Sprintf("md.b %#08x %#08x", address, region.Size)); err != nil {
		return err
	}

	hasher := crc32.NewIEEE()
	var off uint64

	for off < region.Size {
		line, err := nextLine(lines, replyTimeout)
		if err == errIdle {
			return fmt.Errorf("dump memory timeout")
		}
		if err != nil {
			return fmt.Errorf("unexpected EOF")
		}
		if !isComplete(line) {
			return fmt.Errorf("unexpected end of dump")
		}
		s := string(line)
		if len(s) >= 4 && s[:4] == "md.b" {
			// command echo
			continue
		}
		data, err := ParseHexDumpLine(s)
		if err != nil {
			return err
		}
		if len(data) > hexLineBytes {
			return fmt.Errorf("number of bytes per line unexpectedly exceeds %d: %d", hexLineBytes, len(data))
		}

		hasher.Write(data)
		if _, err := w.Write(data); err != nil {
			return err
		}
		off += uint64(len(data))

		select {
		case progress <- off:
		case <-ctx.Done():
			if err := c.SendRaw(ctrlC.Encode()); err != nil {
				return err
			}
			return ctx.Err()
		}
	}

	if off > region.Size {
		return fmt.Errorf("out of region by %d bytes", off-region.Size)
	}
	if checksum != hasher.Sum32() {
		return fmt.Errorf("checksum mismatch")
	}
	return nil
}

// DumpMTDPartTFTP stages a partition into RAM for a TFTP transfer. The
// transfer command itself is not sent yet; a TFTP server pointed at the
// output directory picks up from here.
func (c *Client) DumpMTDPartTFTP(region MemRegion, address uint64) error {
	return c.readMTDPart(region, address)
}
