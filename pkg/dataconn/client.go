package dataconn

import (
	"context"
	"io"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"github.com/scturtle/usblink/pkg/types"
	"github.com/scturtle/usblink/pkg/util"
)

const (
	DefaultAckTimeout = 60 * time.Second
)

// ProgressFunc is called after every acknowledged chunk.
type ProgressFunc func(sent, total int64)

// Client is the initiating side. It sends one file at a time in lockstep,
// waiting for the acknowledgement of every frame before sending the next.
type Client struct {
	wire       *Wire
	chunkSize  uint32
	ackTimeout time.Duration
}

type ClientOption func(*Client)

func WithChunkSize(size uint32) ClientOption {
	return func(c *Client) {
		if size > 0 && size <= MaxChunkSize {
			c.chunkSize = size
		}
	}
}

func WithAckTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.ackTimeout = timeout
	}
}

func NewClient(transport types.Transport, opts ...ClientOption) *Client {
	c := &Client{
		wire:       NewWire(transport),
		chunkSize:  MaxChunkSize,
		ackTimeout: DefaultAckTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SendFile uploads the file at path under its base name and returns the
// checksum of the sent content.
func (c *Client) SendFile(ctx context.Context, path string, progress ProgressFunc) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return "", errors.Errorf("%v is a directory", path)
	}
	if info.Size() > math.MaxUint32 {
		return "", errors.Wrapf(ErrFileTooLarge, "%v is %v bytes", path, info.Size())
	}

	return c.Send(ctx, filepath.Base(path), f, uint32(info.Size()), progress)
}

// Send uploads total bytes from r as name.
func (c *Client) Send(ctx context.Context, name string, r io.Reader, total uint32, progress ProgressFunc) (string, error) {
	if len(name) == 0 || uint32(len(name)) > MaxFilenameLen {
		return "", errors.Wrapf(ErrInvalidFilenameLen, "name %q", name)
	}

	if err := c.sendHeader(NewHeader(TypeFilename, 0, uint32(len(name)))); err != nil {
		return "", errors.Wrap(err, "failed to send filename header")
	}
	if err := c.sendPayload([]byte(name)); err != nil {
		return "", errors.Wrap(err, "failed to send filename")
	}
	log.Debugf("Sent filename %v", name)

	checksum := util.NewChecksum()
	bufSize := c.chunkSize
	if total < bufSize {
		bufSize = total
	}
	buf := make([]byte, bufSize)
	pos := uint32(0)
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		want := c.chunkSize
		if remain := total - pos; remain < want {
			want = remain
		}
		n, err := io.ReadFull(r, buf[:want])
		if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
			return "", errors.Wrapf(err, "failed to read %v at %v", name, pos)
		}
		chunk := buf[:n]

		end := pos + uint32(n)
		if err := c.sendHeader(NewHeader(TypeFileRange, pos, end)); err != nil {
			return "", errors.Wrapf(err, "failed to send range %v-%v", pos, end)
		}
		log.Debugf("Sent range %v-%v", pos, end)
		if n == 0 {
			break
		}
		if err := c.sendPayload(chunk); err != nil {
			return "", errors.Wrapf(err, "failed to send data %v-%v", pos, end)
		}
		checksum.Write(chunk)
		pos = end
		if progress != nil {
			progress(int64(pos), int64(total))
		}
	}

	if pos != total {
		log.Warnf("%v changed while sending, sent %v of %v bytes", name, pos, total)
	}
	return util.FormatChecksum(checksum), nil
}

func (c *Client) sendHeader(h Header) error {
	n, err := c.wire.WriteHeader(h, c.ackTimeout)
	if err != nil {
		return err
	}
	if n < HeaderSize {
		return ErrWriteTimeout
	}
	return c.waitAck()
}

func (c *Client) sendPayload(p []byte) error {
	if err := c.wire.WritePayload(p, c.ackTimeout); err != nil {
		return err
	}
	return c.waitAck()
}

func (c *Client) waitAck() error {
	h, n, err := c.wire.ReadHeader(c.ackTimeout)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAckTimeout
	}
	if n < HeaderSize {
		return errors.Wrapf(ErrShortHeader, "acknowledgement has %d bytes", n)
	}
	if h.Magic != Magic || h.Type != TypeAck {
		return errors.Wrapf(ErrBadAck, "got magic 0x%08x type %v", h.Magic, h.Type)
	}
	return nil
}
