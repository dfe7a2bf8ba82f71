package dataconn

import (
	"time"

	"github.com/docker/go-units"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/scturtle/usblink/pkg/types"
	"github.com/scturtle/usblink/pkg/util"
)

var log = logrus.WithField(util.LogComponentField, "dataconn")

// Session is the receiving side of the upload protocol. It is driven by
// calling Step from a single host loop and is not safe for concurrent use.
type Session struct {
	transport types.Transport
	storage   types.Storage
	wire      *Wire
	observer  Observer

	headerTimeout time.Duration
	dataTimeout   time.Duration
	maxChunkSize  uint32

	state          State
	id             string
	file           types.FileWriter
	filename       string
	expectedOffset uint32
	pendingStart   uint32
	pendingEnd     uint32

	buf   []byte
	stats Stats
}

type SessionOption func(*Session)

func WithHeaderTimeout(timeout time.Duration) SessionOption {
	return func(s *Session) {
		s.headerTimeout = timeout
	}
}

func WithDataTimeout(timeout time.Duration) SessionOption {
	return func(s *Session) {
		s.dataTimeout = timeout
	}
}

func WithMaxChunkSize(size uint32) SessionOption {
	return func(s *Session) {
		if size > 0 && size <= MaxChunkSize {
			s.maxChunkSize = size
		}
	}
}

func WithObserver(observer Observer) SessionOption {
	return func(s *Session) {
		if observer != nil {
			s.observer = observer
		}
	}
}

func NewSession(transport types.Transport, storage types.Storage, opts ...SessionOption) *Session {
	s := &Session{
		transport:     transport,
		storage:       storage,
		wire:          NewWire(transport),
		observer:      nopObserver{},
		headerTimeout: types.DefaultHeaderTimeout,
		dataTimeout:   types.DefaultDataTimeout,
		maxChunkSize:  MaxChunkSize,
		state:         StateWaitConnect,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Session) State() State {
	return s.state
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Filename() string {
	return s.filename
}

func (s *Session) ExpectedOffset() uint32 {
	return s.expectedOffset
}

func (s *Session) Stats() Stats {
	return s.stats
}

// Step performs one bounded unit of protocol work and reports what happened.
func (s *Session) Step() StepResult {
	if s.state != StateWaitConnect && !s.transport.IsConnected() {
		s.linkLost(types.ErrNotConnected)
		return StepDisconnected
	}

	switch s.state {
	case StateWaitConnect:
		return s.waitConnect()
	case StateWaitFilename:
		return s.waitFilename()
	case StateWaitFileRange:
		return s.waitFileRange()
	case StateWaitFileData:
		return s.waitFileData()
	}

	s.log().Errorf("Unknown session state %v, resetting", s.state)
	s.linkLost(errors.Errorf("unknown state %v", s.state))
	return StepError
}

// Close releases the file of an in-progress transfer without marking it
// complete and returns the session to StateWaitConnect. It is safe to call
// more than once.
func (s *Session) Close() error {
	var err error
	if s.file != nil {
		s.log().Warn("Session closed during transfer, abandoning file")
		err = s.closeFile(ErrorKindLink)
	}
	if s.state != StateWaitConnect {
		s.observer.Disconnected()
	}
	s.reset(StateWaitConnect)
	return err
}

func (s *Session) waitConnect() StepResult {
	if !s.transport.IsConnected() {
		return StepIdle
	}
	s.id = util.UUID()
	s.stats.Connects++
	s.observer.Connected()
	s.state = StateWaitFilename
	s.log().Info("Peer connected")
	return StepProgressed
}

func (s *Session) waitFilename() StepResult {
	h, n, err := s.wire.ReadHeader(s.headerTimeout)
	if err != nil {
		s.linkLost(err)
		return StepDisconnected
	}
	if n == 0 {
		return StepIdle
	}
	if err := s.checkHeader(h, n, TypeFilename); err != nil {
		s.protocolError(err)
		return StepError
	}
	if !s.ack() {
		return StepDisconnected
	}

	name := s.buffer(h.End)
	n, err = s.transport.Read(name, s.dataTimeout)
	if err != nil {
		s.linkLost(err)
		return StepDisconnected
	}
	if n < len(name) {
		s.protocolError(errors.Wrapf(ErrShortPayload, "filename: got %d of %d bytes", n, len(name)))
		return StepError
	}
	if !s.ack() {
		return StepDisconnected
	}

	file, err := s.storage.OpenForWrite(string(name))
	if err != nil {
		s.stats.Errors++
		s.observer.ProtocolError(ErrorKindStorage)
		s.log().WithError(err).Errorf("Failed to open %q for writing", string(name))
		return StepError
	}
	s.file = file
	s.filename = file.Name()
	s.expectedOffset = 0
	s.state = StateWaitFileRange
	s.log().Infof("Start receiving %v", s.filename)
	return StepProgressed
}

func (s *Session) waitFileRange() StepResult {
	h, n, err := s.wire.ReadHeader(s.headerTimeout)
	if err != nil {
		s.linkLost(err)
		return StepDisconnected
	}
	if n == 0 {
		return StepIdle
	}
	if err := s.checkHeader(h, n, TypeFileRange); err != nil {
		if !s.ack() {
			return StepDisconnected
		}
		s.abandon(err)
		return StepError
	}
	if !s.ack() {
		return StepDisconnected
	}

	if h.IsEOF() {
		if h.Start != s.expectedOffset {
			s.log().Warnf("End of file marker at %v but %v bytes were received", h.Start, s.expectedOffset)
		}
		s.complete()
		return StepProgressed
	}
	if h.Start != s.expectedOffset {
		s.abandon(errors.Wrapf(ErrRangeMismatch, "start(%v) != curr pos(%v)", h.Start, s.expectedOffset))
		return StepError
	}

	s.pendingStart, s.pendingEnd = h.Start, h.End
	s.state = StateWaitFileData
	return StepProgressed
}

func (s *Session) waitFileData() StepResult {
	size := s.pendingEnd - s.pendingStart
	data := s.buffer(size)
	n, err := s.transport.Read(data, s.dataTimeout)
	if err != nil {
		s.linkLost(err)
		return StepDisconnected
	}
	if n == 0 {
		return StepIdle
	}
	if n < len(data) {
		s.abandon(errors.Wrapf(ErrShortPayload, "range %v-%v: got %v of %v bytes", s.pendingStart, s.pendingEnd, n, size))
		return StepError
	}
	if !s.ack() {
		return StepDisconnected
	}
	if err := s.file.Append(data); err != nil {
		s.abandon(errors.Wrapf(err, "failed to append range %v-%v", s.pendingStart, s.pendingEnd))
		return StepError
	}

	s.expectedOffset += size
	s.stats.BytesReceived += uint64(size)
	s.observer.DataReceived(int(size))
	s.log().Debugf("Received range %v-%v", s.pendingStart, s.pendingEnd)
	s.pendingStart, s.pendingEnd = 0, 0
	s.state = StateWaitFileRange
	return StepProgressed
}

func (s *Session) checkHeader(h Header, n int, expect Type) error {
	if n < HeaderSize {
		return errors.Wrapf(ErrShortHeader, "got %d bytes", n)
	}
	if err := h.Validate(expect, s.maxChunkSize); err != nil {
		return err
	}
	s.observer.FrameReceived(h.Type)
	return nil
}

// ack writes one acknowledgement. A failed or short write means the link is
// gone, the session falls back to StateWaitConnect and ack returns false.
func (s *Session) ack() bool {
	n, err := s.wire.WriteHeader(NewHeader(TypeAck, 0, 0), s.dataTimeout)
	if err == nil && n < HeaderSize {
		err = errors.Errorf("short acknowledgement write: %d of %d bytes", n, HeaderSize)
	}
	if err != nil {
		s.linkLost(errors.Wrap(err, "failed to send acknowledgement"))
		return false
	}
	s.stats.AcksSent++
	s.observer.AckSent()
	return true
}

func (s *Session) complete() {
	size := s.file.Size()
	checksum, err := s.file.Complete()
	s.file = nil
	if err != nil {
		s.stats.Errors++
		s.stats.FilesAbandoned++
		s.observer.ProtocolError(ErrorKindStorage)
		s.observer.FileAbandoned(s.filename, ErrorKindStorage)
		s.log().WithError(err).Errorf("Failed to save %v", s.filename)
	} else {
		s.stats.FilesCompleted++
		s.observer.FileCompleted(s.filename, size)
		s.log().WithField("checksum", checksum).Infof("Saved %v (%v)", s.filename, units.BytesSize(float64(size)))
	}
	s.reset(StateWaitFilename)
}

// protocolError reports an error that happened before any file was opened.
func (s *Session) protocolError(err error) {
	kind := KindOf(err)
	s.stats.Errors++
	s.observer.ProtocolError(kind)
	s.log().WithError(err).WithField("kind", kind).Error("Protocol error")
	s.reset(StateWaitFilename)
}

// abandon closes the current file without completing it and waits for a new
// filename.
func (s *Session) abandon(err error) {
	kind := KindOf(err)
	s.stats.Errors++
	s.observer.ProtocolError(kind)
	closeErr := s.closeFile(kind)
	entry := s.log().WithError(err).WithField("kind", kind)
	if closeErr != nil {
		entry = entry.WithField("closeError", closeErr)
	}
	entry.Error("Transfer aborted")
	s.reset(StateWaitFilename)
}

func (s *Session) linkLost(err error) {
	s.stats.Errors++
	s.observer.ProtocolError(ErrorKindLink)
	if s.file != nil {
		if closeErr := s.closeFile(ErrorKindLink); closeErr != nil {
			s.log().WithError(closeErr).Warn("Failed to close abandoned file")
		}
		s.log().WithError(err).Warnf("Connection lost, abandoned %v at offset %v", s.filename, s.expectedOffset)
	} else {
		s.log().WithError(err).Warn("Connection lost")
	}
	if d, ok := s.transport.(types.Disconnecter); ok {
		if dErr := d.Disconnect(); dErr != nil {
			s.log().WithError(dErr).Warn("Failed to drop peer")
		}
	}
	s.observer.Disconnected()
	s.reset(StateWaitConnect)
}

func (s *Session) closeFile(kind ErrorKind) error {
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	s.stats.FilesAbandoned++
	s.observer.FileAbandoned(s.filename, kind)
	return err
}

func (s *Session) reset(state State) {
	s.state = state
	s.filename = ""
	s.expectedOffset = 0
	s.pendingStart, s.pendingEnd = 0, 0
}

// buffer returns a slice of length size backed by the session's reusable
// receive buffer.
func (s *Session) buffer(size uint32) []byte {
	if uint32(cap(s.buf)) < size {
		s.buf = make([]byte, size)
	}
	return s.buf[:size]
}

func (s *Session) log() *logrus.Entry {
	fields := logrus.Fields{
		"session": s.id,
		"state":   s.state.String(),
	}
	if s.filename != "" {
		fields["file"] = s.filename
		fields["offset"] = s.expectedOffset
	}
	return log.WithFields(fields)
}
