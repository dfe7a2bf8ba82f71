package dataconn

import (
	"time"

	. "gopkg.in/check.v1"

	"github.com/scturtle/usblink/pkg/transport/tcp"
)

type TCPSessionSuite struct {
}

var _ = Suite(&TCPSessionSuite{})

func (s *TCPSessionSuite) TestFailedAckDropsPeer(c *C) {
	l, err := tcp.Listen("127.0.0.1:0")
	c.Assert(err, IsNil)
	defer l.Close()

	peer, err := tcp.Dial(l.Addr().String(), time.Second)
	c.Assert(err, IsNil)
	defer peer.Close()

	// a deadline that has already passed when the acknowledgement is written
	session := NewSession(l, &memStorage{},
		WithHeaderTimeout(100*time.Millisecond),
		WithDataTimeout(time.Nanosecond))
	for i := 0; i < 200 && session.State() == StateWaitConnect; i++ {
		if session.Step() == StepIdle {
			time.Sleep(5 * time.Millisecond)
		}
	}
	c.Assert(session.State(), Equals, StateWaitFilename)

	_, err = peer.Write(EncodeHeader(NewHeader(TypeFilename, 0, 4)), time.Second)
	c.Assert(err, IsNil)
	c.Assert(session.Step(), Equals, StepDisconnected)
	c.Assert(session.State(), Equals, StateWaitConnect)

	// the same stream must not be picked up again
	c.Assert(session.Step(), Equals, StepIdle)
	c.Assert(session.State(), Equals, StateWaitConnect)
	c.Assert(l.IsConnected(), Equals, false)

	_, err = peer.Read(make([]byte, HeaderSize), time.Second)
	c.Assert(err, NotNil)
}
