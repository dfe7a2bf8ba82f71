package dataconn

import (
	"bytes"
	"context"
	"time"

	"github.com/pkg/errors"

	. "gopkg.in/check.v1"

	"github.com/scturtle/usblink/pkg/transport/pipe"
)

type ClientSuite struct {
	client *pipe.Endpoint
	target *pipe.Endpoint
}

var _ = Suite(&ClientSuite{})

func (s *ClientSuite) SetUpTest(c *C) {
	s.client, s.target = pipe.New()
}

// reply plays the receiving side, answering every frame and every payload
// with h and recording the headers it saw, until the link goes down.
func (s *ClientSuite) reply(h Header, frames chan<- Header) {
	defer close(frames)
	w := NewWire(s.target)
	for {
		got, n, err := w.ReadHeader(time.Second)
		if err != nil || n < HeaderSize {
			return
		}
		frames <- got
		w.WriteHeader(h, time.Second)

		if size := got.PayloadSize(); size > 0 {
			payload := make([]byte, size)
			if n, err := s.target.Read(payload, time.Second); err != nil || n < len(payload) {
				return
			}
			w.WriteHeader(h, time.Second)
		}
	}
}

func (s *ClientSuite) TestBadAck(c *C) {
	frames := make(chan Header, 4)
	go s.reply(NewHeader(TypeFileRange, 0, 0), frames)
	defer s.target.Close()

	_, err := NewClient(s.client, WithAckTimeout(time.Second)).
		Send(context.Background(), "a", bytes.NewReader([]byte("abc")), 3, nil)
	c.Assert(errors.Cause(err), Equals, ErrBadAck)
	c.Assert((<-frames).Type, Equals, TypeFilename)
}

func (s *ClientSuite) TestAckTimeout(c *C) {
	_, err := NewClient(s.client, WithAckTimeout(10*time.Millisecond)).
		Send(context.Background(), "a", bytes.NewReader([]byte("abc")), 3, nil)
	c.Assert(errors.Cause(err), Equals, ErrAckTimeout)
}

func (s *ClientSuite) TestDisconnected(c *C) {
	s.target.SetConnected(false)
	_, err := NewClient(s.client).Send(context.Background(), "a", bytes.NewReader(nil), 0, nil)
	c.Assert(err, NotNil)
}

func (s *ClientSuite) TestInvalidName(c *C) {
	client := NewClient(s.client)
	_, err := client.Send(context.Background(), "", bytes.NewReader(nil), 0, nil)
	c.Assert(errors.Cause(err), Equals, ErrInvalidFilenameLen)
	_, err = client.Send(context.Background(), string(make([]byte, MaxFilenameLen+1)), bytes.NewReader(nil), 0, nil)
	c.Assert(errors.Cause(err), Equals, ErrInvalidFilenameLen)
	c.Assert(s.target.Buffered(), Equals, 0)
}

func (s *ClientSuite) TestSendDirectory(c *C) {
	_, err := NewClient(s.client).SendFile(context.Background(), c.MkDir(), nil)
	c.Assert(err, ErrorMatches, ".* is a directory")
}

func (s *ClientSuite) TestFrameSequence(c *C) {
	frames := make(chan Header, 16)
	go s.reply(NewHeader(TypeAck, 0, 0), frames)

	checksum, err := NewClient(s.client, WithChunkSize(4), WithAckTimeout(time.Second)).
		Send(context.Background(), "seq", bytes.NewReader([]byte("0123456789")), 10, nil)
	c.Assert(err, IsNil)
	c.Assert(checksum, HasLen, 16)
	s.target.Close()

	var got []Header
	for h := range frames {
		got = append(got, h)
	}
	c.Assert(got, DeepEquals, []Header{
		NewHeader(TypeFilename, 0, 3),
		NewHeader(TypeFileRange, 0, 4),
		NewHeader(TypeFileRange, 4, 8),
		NewHeader(TypeFileRange, 8, 10),
		NewHeader(TypeFileRange, 10, 10),
	})
}

func (s *ClientSuite) TestCancelled(c *C) {
	frames := make(chan Header, 16)
	go s.reply(NewHeader(TypeAck, 0, 0), frames)
	defer s.target.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewClient(s.client, WithAckTimeout(time.Second)).
		Send(ctx, "c", bytes.NewReader([]byte("abc")), 3, nil)
	c.Assert(err, Equals, context.Canceled)
}
