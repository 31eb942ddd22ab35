// Package pcap writes classic libpcap capture streams of tunnel traffic.
package pcap

import (
	"encoding/binary"
	"io"
	"math"
	"time"

	"github.com/pkg/errors"
)

// LinkTypeRaw is LINKTYPE_RAW: every record starts with an IPv4 or IPv6
// header and carries no link-layer framing, which is what a TUN device yields.
const LinkTypeRaw uint32 = 101

var (
	ErrHeaderAlreadyWritten = errors.New("pcap: file header already written")
	ErrHeaderNotWritten     = errors.New("pcap: file header not written")
)

// CaptureInfo describes one captured frame.
type CaptureInfo struct {
	Timestamp     time.Time
	CaptureLength int
	Length        int
}

// Writer emits a pcap stream. It is not safe for concurrent use.
type Writer struct {
	w             io.Writer
	headerWritten bool
	snapLen       uint32
}

func NewWriter(out io.Writer) *Writer {
	return &Writer{w: out}
}

// WriteFileHeader writes the 24-byte global header. It must precede every
// WritePacket call and may only be written once.
func (w *Writer) WriteFileHeader(snapLen uint32, linkType uint32) error {
	if w.headerWritten {
		return ErrHeaderAlreadyWritten
	}

	var hdr [24]byte
	binary.LittleEndian.PutUint32(hdr[0:4], 0xa1b2c3d4)
	binary.LittleEndian.PutUint16(hdr[4:6], 2)
	binary.LittleEndian.PutUint16(hdr[6:8], 4)
	binary.LittleEndian.PutUint32(hdr[16:20], snapLen)
	binary.LittleEndian.PutUint32(hdr[20:24], linkType)

	if _, err := w.w.Write(hdr[:]); err != nil {
		return errors.Wrap(err, "pcap: write header")
	}
	w.snapLen = snapLen
	w.headerWritten = true
	return nil
}

// WritePacket appends one record. Frames longer than the snap length are
// truncated in the record while Length keeps the original size.
func (w *Writer) WritePacket(ci CaptureInfo, data []byte) error {
	if !w.headerWritten {
		return ErrHeaderNotWritten
	}
	if ci.CaptureLength < 0 || ci.Length < 0 {
		return errors.Errorf("pcap: negative length (capture %d, original %d)", ci.CaptureLength, ci.Length)
	}
	if ci.CaptureLength > len(data) {
		return errors.Errorf("pcap: capture length %d exceeds data buffer %d", ci.CaptureLength, len(data))
	}
	if ci.Length > math.MaxUint32 {
		return errors.Errorf("pcap: original length %d overflows uint32", ci.Length)
	}
	if w.snapLen != 0 && uint32(ci.CaptureLength) > w.snapLen {
		ci.CaptureLength = int(w.snapLen)
	}

	var tsSec, tsUsec uint32
	if !ci.Timestamp.IsZero() {
		sec := ci.Timestamp.Unix()
		if sec < 0 || sec > math.MaxUint32 {
			return errors.Errorf("pcap: timestamp seconds %d out of range", sec)
		}
		tsSec = uint32(sec)
		tsUsec = uint32(ci.Timestamp.Nanosecond() / 1_000)
	}

	var rec [16]byte
	binary.LittleEndian.PutUint32(rec[0:4], tsSec)
	binary.LittleEndian.PutUint32(rec[4:8], tsUsec)
	binary.LittleEndian.PutUint32(rec[8:12], uint32(ci.CaptureLength))
	binary.LittleEndian.PutUint32(rec[12:16], uint32(ci.Length))

	if _, err := w.w.Write(rec[:]); err != nil {
		return errors.Wrap(err, "pcap: write record header")
	}
	if ci.CaptureLength == 0 {
		return nil
	}
	if _, err := w.w.Write(data[:ci.CaptureLength]); err != nil {
		return errors.Wrap(err, "pcap: write packet data")
	}
	return nil
}
