package dataconn

import (
	"bytes"
	"fmt"
	"time"

	"github.com/pkg/errors"

	. "gopkg.in/check.v1"

	"github.com/scturtle/usblink/pkg/transport/pipe"
	"github.com/scturtle/usblink/pkg/types"
)

type memFile struct {
	name      string
	data      []byte
	completed bool
	closed    bool
	appendErr error
}

func (f *memFile) Name() string { return f.name }
func (f *memFile) Size() int64  { return int64(len(f.data)) }

func (f *memFile) Append(p []byte) error {
	if f.closed {
		return fmt.Errorf("append to closed file %v", f.name)
	}
	if f.appendErr != nil {
		return f.appendErr
	}
	f.data = append(f.data, p...)
	return nil
}

func (f *memFile) Complete() (string, error) {
	f.completed = true
	f.closed = true
	return "0000000000000000", nil
}

func (f *memFile) Close() error {
	f.closed = true
	return nil
}

type memStorage struct {
	opened  []*memFile
	openErr error
}

func (s *memStorage) OpenForWrite(name string) (types.FileWriter, error) {
	if s.openErr != nil {
		return nil, s.openErr
	}
	f := &memFile{name: name}
	s.opened = append(s.opened, f)
	return f, nil
}

func (s *memStorage) last() *memFile {
	if len(s.opened) == 0 {
		return nil
	}
	return s.opened[len(s.opened)-1]
}

type recordingObserver struct {
	nopObserver
	frames    map[Type]int
	errors    map[ErrorKind]int
	completed   []string
	abandoned   []string
	disconnects int
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{
		frames: map[Type]int{},
		errors: map[ErrorKind]int{},
	}
}

func (o *recordingObserver) FrameReceived(t Type) {
	o.frames[t]++
}

func (o *recordingObserver) ProtocolError(kind ErrorKind) {
	o.errors[kind]++
}

func (o *recordingObserver) FileCompleted(name string, size int64) {
	o.completed = append(o.completed, name)
}

func (o *recordingObserver) FileAbandoned(name string, kind ErrorKind) {
	o.abandoned = append(o.abandoned, name)
}

func (o *recordingObserver) Disconnected() {
	o.disconnects++
}

type SessionSuite struct {
	target   *pipe.Endpoint
	peer     *pipe.Endpoint
	storage  *memStorage
	observer *recordingObserver
	session  *Session
}

var _ = Suite(&SessionSuite{})

func (s *SessionSuite) SetUpTest(c *C) {
	s.target, s.peer = pipe.New()
	s.storage = &memStorage{}
	s.observer = newRecordingObserver()
	s.session = NewSession(s.target, s.storage,
		WithHeaderTimeout(5*time.Millisecond),
		WithDataTimeout(50*time.Millisecond),
		WithMaxChunkSize(1024),
		WithObserver(s.observer))
}

func (s *SessionSuite) send(c *C, h Header, payload []byte) {
	n, err := s.peer.Write(EncodeHeader(h), time.Second)
	c.Assert(err, IsNil)
	c.Assert(n, Equals, HeaderSize)
	s.sendRaw(c, payload)
}

func (s *SessionSuite) sendRaw(c *C, payload []byte) {
	if len(payload) == 0 {
		return
	}
	n, err := s.peer.Write(payload, time.Second)
	c.Assert(err, IsNil)
	c.Assert(n, Equals, len(payload))
}

// acks consumes and validates every acknowledgement the target has sent so
// far.
func (s *SessionSuite) acks(c *C) int {
	buffered := s.peer.Buffered()
	c.Assert(buffered%HeaderSize, Equals, 0)
	buf := make([]byte, HeaderSize)
	for i := 0; i < buffered/HeaderSize; i++ {
		_, err := s.peer.Read(buf, time.Second)
		c.Assert(err, IsNil)
		h, err := DecodeHeader(buf)
		c.Assert(err, IsNil)
		c.Assert(h.Magic, Equals, Magic)
		c.Assert(h.Type, Equals, TypeAck)
	}
	return buffered / HeaderSize
}

func (s *SessionSuite) step(c *C, expect StepResult) {
	c.Assert(s.session.Step(), Equals, expect, Commentf("state %v", s.session.State()))
}

func (s *SessionSuite) connect(c *C) {
	c.Assert(s.session.State(), Equals, StateWaitConnect)
	s.step(c, StepProgressed)
	c.Assert(s.session.State(), Equals, StateWaitFilename)
	c.Assert(s.session.ID(), Not(Equals), "")
}

func (s *SessionSuite) openFile(c *C, name string) *memFile {
	s.send(c, NewHeader(TypeFilename, 0, uint32(len(name))), []byte(name))
	s.step(c, StepProgressed)
	c.Assert(s.acks(c), Equals, 2)
	c.Assert(s.session.State(), Equals, StateWaitFileRange)
	c.Assert(s.session.ExpectedOffset(), Equals, uint32(0))
	f := s.storage.last()
	c.Assert(f, NotNil)
	c.Assert(f.name, Equals, name)
	return f
}

func (s *SessionSuite) sendChunk(c *C, start uint32, data []byte) {
	s.send(c, NewHeader(TypeFileRange, start, start+uint32(len(data))), nil)
	s.step(c, StepProgressed)
	c.Assert(s.acks(c), Equals, 1)
	c.Assert(s.session.State(), Equals, StateWaitFileData)

	s.sendRaw(c, data)
	s.step(c, StepProgressed)
	c.Assert(s.acks(c), Equals, 1)
	c.Assert(s.session.State(), Equals, StateWaitFileRange)
}

func (s *SessionSuite) TestWaitConnect(c *C) {
	s.target.SetConnected(false)
	for i := 0; i < 3; i++ {
		s.step(c, StepIdle)
		c.Assert(s.session.State(), Equals, StateWaitConnect)
	}
	s.target.SetConnected(true)
	s.connect(c)
	c.Assert(s.session.Stats().Connects, Equals, uint64(1))
}

func (s *SessionSuite) TestIdleWhileWaiting(c *C) {
	s.connect(c)
	s.step(c, StepIdle)
	c.Assert(s.session.State(), Equals, StateWaitFilename)

	s.openFile(c, "a.bin")
	s.step(c, StepIdle)
	c.Assert(s.session.State(), Equals, StateWaitFileRange)

	s.send(c, NewHeader(TypeFileRange, 0, 4), nil)
	s.step(c, StepProgressed)
	c.Assert(s.acks(c), Equals, 1)
	s.step(c, StepIdle)
	c.Assert(s.session.State(), Equals, StateWaitFileData)
	c.Assert(s.acks(c), Equals, 0)
}

func (s *SessionSuite) TestScenarioCompleteFile(c *C) {
	s.connect(c)
	f := s.openFile(c, "test.bin")

	s.sendChunk(c, 0, []byte{0x01, 0x02, 0x03, 0x04})
	c.Assert(f.data, DeepEquals, []byte{0x01, 0x02, 0x03, 0x04})
	c.Assert(s.session.ExpectedOffset(), Equals, uint32(4))

	s.send(c, NewHeader(TypeFileRange, 4, 4), nil)
	s.step(c, StepProgressed)
	c.Assert(s.acks(c), Equals, 1)
	c.Assert(s.session.State(), Equals, StateWaitFilename)
	c.Assert(f.completed, Equals, true)
	c.Assert(f.closed, Equals, true)
	c.Assert(f.Size(), Equals, int64(4))

	stats := s.session.Stats()
	c.Assert(stats.AcksSent, Equals, uint64(5))
	c.Assert(stats.BytesReceived, Equals, uint64(4))
	c.Assert(stats.FilesCompleted, Equals, uint64(1))
	c.Assert(stats.FilesAbandoned, Equals, uint64(0))
	c.Assert(stats.Errors, Equals, uint64(0))
	c.Assert(s.observer.completed, DeepEquals, []string{"test.bin"})
	c.Assert(s.observer.frames[TypeFilename], Equals, 1)
	c.Assert(s.observer.frames[TypeFileRange], Equals, 2)
}

func (s *SessionSuite) TestManyChunksConcatenate(c *C) {
	s.connect(c)
	f := s.openFile(c, "big.bin")

	expected := &bytes.Buffer{}
	offset := uint32(0)
	for i, size := range []int{1, 1024, 17, 512, 1000, 3} {
		chunk := bytes.Repeat([]byte{byte(i + 1)}, size)
		s.sendChunk(c, offset, chunk)
		expected.Write(chunk)
		offset += uint32(size)
		c.Assert(s.session.ExpectedOffset(), Equals, offset)
	}

	s.send(c, NewHeader(TypeFileRange, offset, offset), nil)
	s.step(c, StepProgressed)
	c.Assert(s.acks(c), Equals, 1)
	c.Assert(s.session.State(), Equals, StateWaitFilename)
	c.Assert(f.completed, Equals, true)
	c.Assert(f.data, DeepEquals, expected.Bytes())
}

func (s *SessionSuite) TestEmptyFile(c *C) {
	s.connect(c)
	f := s.openFile(c, "empty")

	s.send(c, NewHeader(TypeFileRange, 0, 0), nil)
	s.step(c, StepProgressed)
	c.Assert(s.acks(c), Equals, 1)
	c.Assert(s.session.State(), Equals, StateWaitFilename)
	c.Assert(f.completed, Equals, true)
	c.Assert(len(f.data), Equals, 0)
}

func (s *SessionSuite) TestBackToBackFiles(c *C) {
	s.connect(c)
	f1 := s.openFile(c, "one")
	s.sendChunk(c, 0, []byte("first"))
	s.send(c, NewHeader(TypeFileRange, 5, 5), nil)
	s.step(c, StepProgressed)
	c.Assert(s.acks(c), Equals, 1)

	f2 := s.openFile(c, "two")
	s.sendChunk(c, 0, []byte("second"))
	s.send(c, NewHeader(TypeFileRange, 6, 6), nil)
	s.step(c, StepProgressed)
	c.Assert(s.acks(c), Equals, 1)

	c.Assert(string(f1.data), Equals, "first")
	c.Assert(string(f2.data), Equals, "second")
	c.Assert(f1.completed && f2.completed, Equals, true)
}

func (s *SessionSuite) TestScenarioRangeMismatch(c *C) {
	s.connect(c)
	f := s.openFile(c, "test.bin")

	s.send(c, NewHeader(TypeFileRange, 8, 12), []byte{1, 2, 3, 4})
	s.step(c, StepError)
	c.Assert(s.acks(c), Equals, 1)
	c.Assert(s.session.State(), Equals, StateWaitFilename)
	c.Assert(f.closed, Equals, true)
	c.Assert(f.completed, Equals, false)
	c.Assert(len(f.data), Equals, 0)
	c.Assert(s.observer.errors[ErrorKindSequencing], Equals, 1)
	c.Assert(s.observer.abandoned, DeepEquals, []string{"test.bin"})
}

func (s *SessionSuite) TestRangeMismatchAfterData(c *C) {
	s.connect(c)
	f := s.openFile(c, "test.bin")
	s.sendChunk(c, 0, []byte{1, 2, 3, 4})

	s.send(c, NewHeader(TypeFileRange, 0, 4), nil)
	s.step(c, StepError)
	c.Assert(s.acks(c), Equals, 1)
	c.Assert(s.session.State(), Equals, StateWaitFilename)
	c.Assert(f.closed, Equals, true)
	c.Assert(f.completed, Equals, false)
	c.Assert(f.data, DeepEquals, []byte{1, 2, 3, 4})
}

func (s *SessionSuite) TestScenarioDisconnectDuringData(c *C) {
	s.connect(c)
	f := s.openFile(c, "test.bin")
	s.send(c, NewHeader(TypeFileRange, 0, 4), nil)
	s.step(c, StepProgressed)
	c.Assert(s.acks(c), Equals, 1)
	c.Assert(s.session.State(), Equals, StateWaitFileData)

	s.peer.SetConnected(false)
	s.step(c, StepDisconnected)
	c.Assert(s.session.State(), Equals, StateWaitConnect)
	c.Assert(f.closed, Equals, true)
	c.Assert(f.completed, Equals, false)
	c.Assert(s.observer.completed, HasLen, 0)

	s.peer.SetConnected(true)
	s.connect(c)
	s.send(c, NewHeader(TypeFileRange, 0, 4), nil)
	s.step(c, StepError)
	c.Assert(s.acks(c), Equals, 0)
	c.Assert(s.session.State(), Equals, StateWaitFilename)

	g := s.openFile(c, "test.bin")
	c.Assert(g, Not(Equals), f)
}

func (s *SessionSuite) TestDisconnectIsIdempotentFromEveryState(c *C) {
	prepare := map[State]func(){
		StateWaitFilename: func() {},
		StateWaitFileRange: func() {
			s.openFile(c, "a")
		},
		StateWaitFileData: func() {
			s.openFile(c, "a")
			s.send(c, NewHeader(TypeFileRange, 0, 8), nil)
			s.step(c, StepProgressed)
			s.acks(c)
		},
	}
	for state, f := range prepare {
		s.SetUpTest(c)
		s.connect(c)
		f()
		c.Assert(s.session.State(), Equals, state)

		s.target.SetConnected(false)
		s.step(c, StepDisconnected)
		for i := 0; i < 5; i++ {
			s.step(c, StepIdle)
			c.Assert(s.session.State(), Equals, StateWaitConnect)
		}
		if last := s.storage.last(); last != nil {
			c.Assert(last.closed, Equals, true)
			c.Assert(last.completed, Equals, false)
		}
		c.Assert(s.session.Filename(), Equals, "")
	}
}

func (s *SessionSuite) TestBadHeaderWhileWaitingFilename(c *C) {
	s.connect(c)

	badHeaders := []Header{
		{Magic: 0x12345678, Type: TypeFilename, End: 4},
		NewHeader(TypeFileRange, 0, 4),
		NewHeader(TypeAck, 0, 0),
		NewHeader(TypeInvalid, 0, 4),
		NewHeader(TypeFilename, 0, 0),
		NewHeader(TypeFilename, 0, MaxFilenameLen+1),
	}
	for _, h := range badHeaders {
		s.send(c, h, nil)
		s.step(c, StepError)
		c.Assert(s.acks(c), Equals, 0, Commentf("header %+v", h))
		c.Assert(s.session.State(), Equals, StateWaitFilename)
	}
	c.Assert(s.storage.opened, HasLen, 0)
	c.Assert(s.observer.errors[ErrorKindFraming], Equals, len(badHeaders))
}

func (s *SessionSuite) TestShortHeader(c *C) {
	s.connect(c)
	s.sendRaw(c, EncodeHeader(NewHeader(TypeFilename, 0, 4))[:7])
	s.step(c, StepError)
	c.Assert(s.acks(c), Equals, 0)
	c.Assert(s.session.State(), Equals, StateWaitFilename)
}

func (s *SessionSuite) TestShortFilename(c *C) {
	s.connect(c)
	s.send(c, NewHeader(TypeFilename, 0, 8), []byte("abc"))
	s.step(c, StepError)
	c.Assert(s.acks(c), Equals, 1)
	c.Assert(s.session.State(), Equals, StateWaitFilename)
	c.Assert(s.storage.opened, HasLen, 0)
	c.Assert(s.observer.errors[ErrorKindTruncation], Equals, 1)
}

func (s *SessionSuite) TestBadHeaderWhileWaitingRange(c *C) {
	badHeaders := []Header{
		{Magic: 0x12345678, Type: TypeFileRange, End: 4},
		NewHeader(TypeFilename, 0, 4),
		NewHeader(TypeFileRange, 8, 4),
		NewHeader(TypeFileRange, 0, 1025),
	}
	for _, h := range badHeaders {
		s.SetUpTest(c)
		s.connect(c)
		f := s.openFile(c, "a")

		s.send(c, h, nil)
		s.step(c, StepError)
		c.Assert(s.acks(c), Equals, 1, Commentf("header %+v", h))
		c.Assert(s.session.State(), Equals, StateWaitFilename)
		c.Assert(f.closed, Equals, true)
		c.Assert(f.completed, Equals, false)
		c.Assert(s.observer.errors[ErrorKindFraming], Equals, 1)
	}
}

func (s *SessionSuite) TestShortHeaderWhileWaitingRange(c *C) {
	s.connect(c)
	f := s.openFile(c, "a")

	s.sendRaw(c, []byte{1, 2, 3})
	s.step(c, StepError)
	c.Assert(s.acks(c), Equals, 1)
	c.Assert(s.session.State(), Equals, StateWaitFilename)
	c.Assert(f.closed, Equals, true)
}

func (s *SessionSuite) TestTruncatedData(c *C) {
	s.connect(c)
	f := s.openFile(c, "a")
	s.send(c, NewHeader(TypeFileRange, 0, 8), nil)
	s.step(c, StepProgressed)
	c.Assert(s.acks(c), Equals, 1)

	s.sendRaw(c, []byte{1, 2, 3})
	s.step(c, StepError)
	c.Assert(s.acks(c), Equals, 0)
	c.Assert(s.session.State(), Equals, StateWaitFilename)
	c.Assert(f.closed, Equals, true)
	c.Assert(f.completed, Equals, false)
	c.Assert(len(f.data), Equals, 0)
	c.Assert(s.observer.errors[ErrorKindTruncation], Equals, 1)
}

func (s *SessionSuite) TestStorageOpenFailure(c *C) {
	s.storage.openErr = fmt.Errorf("disk full")
	s.connect(c)

	s.send(c, NewHeader(TypeFilename, 0, 1), []byte("a"))
	s.step(c, StepError)
	c.Assert(s.acks(c), Equals, 2)
	c.Assert(s.session.State(), Equals, StateWaitFilename)
	c.Assert(s.observer.errors[ErrorKindStorage], Equals, 1)
}

func (s *SessionSuite) TestAppendFailure(c *C) {
	s.connect(c)
	f := s.openFile(c, "a")
	f.appendErr = fmt.Errorf("io error")

	s.send(c, NewHeader(TypeFileRange, 0, 2), []byte{1, 2})
	s.step(c, StepProgressed)
	s.step(c, StepError)
	c.Assert(s.acks(c), Equals, 2)
	c.Assert(s.session.State(), Equals, StateWaitFilename)
	c.Assert(f.closed, Equals, true)
	c.Assert(f.completed, Equals, false)
	c.Assert(s.observer.errors[ErrorKindStorage], Equals, 1)
}

func (s *SessionSuite) TestAckWriteFailure(c *C) {
	type stage func() *memFile
	stages := []stage{
		// filename header
		func() *memFile {
			s.send(c, NewHeader(TypeFilename, 0, 1), []byte("a"))
			return nil
		},
		// range header
		func() *memFile {
			f := s.openFile(c, "a")
			s.send(c, NewHeader(TypeFileRange, 0, 2), nil)
			return f
		},
		// data chunk
		func() *memFile {
			f := s.openFile(c, "a")
			s.send(c, NewHeader(TypeFileRange, 0, 2), nil)
			s.step(c, StepProgressed)
			s.acks(c)
			s.sendRaw(c, []byte{1, 2})
			return f
		},
		// malformed range header
		func() *memFile {
			f := s.openFile(c, "a")
			s.send(c, NewHeader(TypeFileRange, 4, 2), nil)
			return f
		},
		// end of file
		func() *memFile {
			f := s.openFile(c, "a")
			s.send(c, NewHeader(TypeFileRange, 0, 0), nil)
			return f
		},
	}
	for i, prepare := range stages {
		s.SetUpTest(c)
		s.connect(c)
		f := prepare()

		s.target.StallWrites(true)
		s.step(c, StepDisconnected)
		c.Assert(s.session.State(), Equals, StateWaitConnect, Commentf("stage %d", i))
		c.Assert(s.observer.errors[ErrorKindLink], Equals, 1)
		if f != nil {
			c.Assert(f.closed, Equals, true)
			c.Assert(f.completed, Equals, false)
			c.Assert(len(f.data), Equals, 0)
		}
	}
}

func (s *SessionSuite) TestCloseAbandonsFile(c *C) {
	s.connect(c)
	f := s.openFile(c, "a")
	s.sendChunk(c, 0, []byte{1})

	c.Assert(s.session.Close(), IsNil)
	c.Assert(s.session.State(), Equals, StateWaitConnect)
	c.Assert(f.closed, Equals, true)
	c.Assert(f.completed, Equals, false)
	c.Assert(s.session.Stats().FilesAbandoned, Equals, uint64(1))

	c.Assert(s.observer.disconnects, Equals, 1)

	c.Assert(s.session.Close(), IsNil)
	c.Assert(s.session.Stats().FilesAbandoned, Equals, uint64(1))
	c.Assert(s.observer.disconnects, Equals, 1)
}

func (s *SessionSuite) TestCloseBeforeConnect(c *C) {
	c.Assert(s.session.Close(), IsNil)
	c.Assert(s.session.State(), Equals, StateWaitConnect)
	c.Assert(s.observer.disconnects, Equals, 0)
}

func (s *SessionSuite) TestEndOfFileAtOtherOffsetCompletes(c *C) {
	s.connect(c)
	f := s.openFile(c, "short.bin")
	s.sendChunk(c, 0, []byte{1, 2, 3, 4})

	s.send(c, NewHeader(TypeFileRange, 8, 8), nil)
	s.step(c, StepProgressed)
	c.Assert(s.acks(c), Equals, 1)
	c.Assert(s.session.State(), Equals, StateWaitFilename)
	c.Assert(f.completed, Equals, true)
	c.Assert(f.data, DeepEquals, []byte{1, 2, 3, 4})
	c.Assert(s.session.Stats().FilesCompleted, Equals, uint64(1))
	c.Assert(s.session.Stats().Errors, Equals, uint64(0))
}

// resettingEndpoint records the peer drops requested by the session.
type resettingEndpoint struct {
	*pipe.Endpoint
	resets int
}

func (e *resettingEndpoint) Disconnect() error {
	e.resets++
	return nil
}

func (s *SessionSuite) TestLinkLostDropsPeer(c *C) {
	target := &resettingEndpoint{Endpoint: s.target}
	s.session = NewSession(target, s.storage,
		WithHeaderTimeout(5*time.Millisecond),
		WithDataTimeout(10*time.Millisecond),
		WithObserver(s.observer))
	s.connect(c)

	s.target.StallWrites(true)
	s.send(c, NewHeader(TypeFilename, 0, 1), []byte("a"))
	s.step(c, StepDisconnected)
	c.Assert(s.session.State(), Equals, StateWaitConnect)
	c.Assert(target.resets, Equals, 1)
	c.Assert(s.observer.disconnects, Equals, 1)
}

func (s *SessionSuite) TestKindOf(c *C) {
	c.Assert(KindOf(errors.Wrap(ErrInvalidMagic, "x")), Equals, ErrorKindFraming)
	c.Assert(KindOf(errors.Wrap(ErrRangeMismatch, "x")), Equals, ErrorKindSequencing)
	c.Assert(KindOf(errors.Wrap(ErrShortPayload, "x")), Equals, ErrorKindTruncation)
	c.Assert(KindOf(fmt.Errorf("disk")), Equals, ErrorKindStorage)
}
