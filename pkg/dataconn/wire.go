package dataconn

import (
	"encoding/binary"
	"time"
	"unsafe"

	"github.com/pkg/errors"

	"github.com/scturtle/usblink/pkg/types"
)

type Wire struct {
	transport   types.Transport
	writeHeader []byte
	readHeader  []byte
}

func NewWire(transport types.Transport) *Wire {
	return &Wire{
		transport:   transport,
		writeHeader: make([]byte, HeaderSize),
		readHeader:  make([]byte, HeaderSize),
	}
}

// ReadHeader reads at most one header. It returns the number of bytes read
// so the caller can tell an idle timeout (0) from a short header.
func (w *Wire) ReadHeader(timeout time.Duration) (Header, int, error) {
	n, err := w.transport.Read(w.readHeader, timeout)
	if err != nil {
		return Header{}, n, err
	}
	if n < HeaderSize {
		return Header{}, n, nil
	}
	h, err := DecodeHeader(w.readHeader)
	return h, n, err
}

// WriteHeader writes one header. A count below HeaderSize with a nil error
// means the write timed out.
func (w *Wire) WriteHeader(h Header, timeout time.Duration) (int, error) {
	PutHeader(w.writeHeader, h)
	return w.transport.Write(w.writeHeader, timeout)
}

// WritePayload writes all of p, looping over short transport writes.
func (w *Wire) WritePayload(p []byte, timeout time.Duration) error {
	for len(p) > 0 {
		n, err := w.transport.Write(p, timeout)
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrWriteTimeout
		}
		p = p[n:]
	}
	return nil
}

func (w *Wire) Close() error {
	return w.transport.Close()
}

func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderSize)
	PutHeader(buf, h)
	return buf
}

func PutHeader(buf []byte, h Header) {
	offset := 0

	binary.LittleEndian.PutUint32(buf[offset:], h.Magic)
	offset += int(unsafe.Sizeof(h.Magic))

	binary.LittleEndian.PutUint32(buf[offset:], uint32(h.Type))
	offset += int(unsafe.Sizeof(h.Type))

	binary.LittleEndian.PutUint32(buf[offset:], h.Start)
	offset += int(unsafe.Sizeof(h.Start))

	binary.LittleEndian.PutUint32(buf[offset:], h.End)
}

func DecodeHeader(buf []byte) (Header, error) {
	var h Header

	if len(buf) != HeaderSize {
		return h, errors.Wrapf(ErrShortHeader, "got %d bytes", len(buf))
	}

	offset := 0

	h.Magic = binary.LittleEndian.Uint32(buf[offset:])
	offset += int(unsafe.Sizeof(h.Magic))

	h.Type = Type(binary.LittleEndian.Uint32(buf[offset:]))
	offset += int(unsafe.Sizeof(h.Type))

	h.Start = binary.LittleEndian.Uint32(buf[offset:])
	offset += int(unsafe.Sizeof(h.Start))

	h.End = binary.LittleEndian.Uint32(buf[offset:])

	return h, nil
}

// Validate checks a received header against the frame type the receiver
// expects next.
func (h Header) Validate(expect Type, maxChunkSize uint32) error {
	if h.Magic != Magic {
		return errors.Wrapf(ErrInvalidMagic, "got 0x%08x", h.Magic)
	}
	if h.Type != expect {
		return errors.Wrapf(ErrUnexpectedType, "expect %v but got %v", expect, h.Type)
	}

	switch h.Type {
	case TypeFilename:
		if h.End == 0 || h.End > MaxFilenameLen {
			return errors.Wrapf(ErrInvalidFilenameLen, "length %d not in 1-%d", h.End, MaxFilenameLen)
		}
	case TypeFileRange:
		if h.End < h.Start {
			return errors.Wrapf(ErrInvalidRange, "range %d-%d", h.Start, h.End)
		}
		if h.End-h.Start > maxChunkSize {
			return errors.Wrapf(ErrChunkTooLarge, "range %d-%d is larger than %d", h.Start, h.End, maxChunkSize)
		}
	default:
		return errors.Wrapf(ErrUnexpectedType, "%v frames carry no payload", h.Type)
	}
	return nil
}
