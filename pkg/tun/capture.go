package tun

import (
	"io"
	"os"
	"sync"
	"time"

	"TUN-TCP/pkg/pcap"

	"github.com/pkg/errors"
)

// Capture records every frame crossing the wrapped Device into a pcap stream.
// A failing capture stream is abandoned; traffic keeps flowing and the error
// is returned from Close.
type Capture struct {
	Device

	mu   sync.Mutex
	w    *pcap.Writer
	err  error
	file io.Closer
}

// NewCapture writes the pcap file header to w and returns the tap.
func NewCapture(dev Device, w *pcap.Writer) (*Capture, error) {
	if err := w.WriteFileHeader(uint32(dev.MTU()), pcap.LinkTypeRaw); err != nil {
		return nil, err
	}
	return &Capture{Device: dev, w: w}, nil
}

// NewFileCapture creates path and captures dev into it. The file is closed
// with the device.
func NewFileCapture(dev Device, path string) (*Capture, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrap(err, "create capture file")
	}
	c, err := NewCapture(dev, pcap.NewWriter(f))
	if err != nil {
		f.Close()
		return nil, err
	}
	c.file = f
	return c, nil
}

func (c *Capture) ReadPacket(buf []byte, timeout time.Duration) (int, error) {
	n, err := c.Device.ReadPacket(buf, timeout)
	if err == nil {
		c.record(buf[:n])
	}
	return n, err
}

func (c *Capture) WritePacket(pkt []byte) error {
	c.record(pkt)
	return c.Device.WritePacket(pkt)
}

func (c *Capture) record(frame []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return
	}
	c.err = c.w.WritePacket(pcap.CaptureInfo{
		Timestamp:     time.Now(),
		CaptureLength: len(frame),
		Length:        len(frame),
	}, frame)
}

func (c *Capture) Close() error {
	err := c.Device.Close()
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		err = c.err
	}
	if c.file != nil {
		if ferr := c.file.Close(); err == nil {
			err = ferr
		}
		c.file = nil
	}
	return err
}
