package pcap

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/pkg/errors"
)

func TestWriterProducesRawStream(t *testing.T) {
	var buf bytes.Buffer
	writer := NewWriter(&buf)
	if err := writer.WriteFileHeader(1500, LinkTypeRaw); err != nil {
		t.Fatalf("write header: %v", err)
	}

	ts := time.Unix(1_700_000_000, 250_000_000)
	frame := []byte{0x45, 0x00, 0x00, 0x14, 0xde, 0xad}
	if err := writer.WritePacket(CaptureInfo{Timestamp: ts, CaptureLength: len(frame), Length: len(frame)}, frame); err != nil {
		t.Fatalf("write packet: %v", err)
	}

	got := buf.Bytes()
	if len(got) != 24+16+len(frame) {
		t.Fatalf("stream is %d bytes", len(got))
	}
	if magic := binary.LittleEndian.Uint32(got[0:4]); magic != 0xa1b2c3d4 {
		t.Fatalf("magic = %#x", magic)
	}
	if link := binary.LittleEndian.Uint32(got[20:24]); link != LinkTypeRaw {
		t.Fatalf("link type = %d", link)
	}
	rec := got[24:40]
	if sec := binary.LittleEndian.Uint32(rec[0:4]); sec != uint32(ts.Unix()) {
		t.Fatalf("seconds = %d", sec)
	}
	if usec := binary.LittleEndian.Uint32(rec[4:8]); usec != 250_000 {
		t.Fatalf("microseconds = %d", usec)
	}
	if !bytes.Equal(got[40:], frame) {
		t.Fatalf("data = %x", got[40:])
	}
}

func TestWriterTruncatesToSnapLen(t *testing.T) {
	var buf bytes.Buffer
	writer := NewWriter(&buf)
	if err := writer.WriteFileHeader(4, LinkTypeRaw); err != nil {
		t.Fatalf("write header: %v", err)
	}
	frame := []byte{0, 1, 2, 3, 4, 5}
	if err := writer.WritePacket(CaptureInfo{CaptureLength: len(frame), Length: len(frame)}, frame); err != nil {
		t.Fatalf("write packet: %v", err)
	}
	rec := buf.Bytes()[24:40]
	if capLen := binary.LittleEndian.Uint32(rec[8:12]); capLen != 4 {
		t.Fatalf("caplen = %d", capLen)
	}
	if origLen := binary.LittleEndian.Uint32(rec[12:16]); origLen != 6 {
		t.Fatalf("origlen = %d", origLen)
	}
	if buf.Len() != 24+16+4 {
		t.Fatalf("stream is %d bytes", buf.Len())
	}
}

func TestHeaderOrdering(t *testing.T) {
	writer := NewWriter(new(bytes.Buffer))
	if err := writer.WritePacket(CaptureInfo{CaptureLength: 1, Length: 1}, []byte{1}); !errors.Is(err, ErrHeaderNotWritten) {
		t.Fatalf("err = %v, want ErrHeaderNotWritten", err)
	}
	if err := writer.WriteFileHeader(0, LinkTypeRaw); err != nil {
		t.Fatalf("write header: %v", err)
	}
	if err := writer.WriteFileHeader(0, LinkTypeRaw); !errors.Is(err, ErrHeaderAlreadyWritten) {
		t.Fatalf("err = %v, want ErrHeaderAlreadyWritten", err)
	}
}
