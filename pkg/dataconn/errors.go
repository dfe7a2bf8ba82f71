package dataconn

import (
	"github.com/pkg/errors"
)

var (
	ErrShortHeader        = errors.New("short frame header")
	ErrInvalidMagic       = errors.New("invalid frame magic")
	ErrUnexpectedType     = errors.New("unexpected frame type")
	ErrInvalidRange       = errors.New("range end is before range start")
	ErrChunkTooLarge      = errors.New("range exceeds maximum chunk size")
	ErrInvalidFilenameLen = errors.New("invalid filename length")
	ErrRangeMismatch      = errors.New("range start does not match current file position")
	ErrShortPayload       = errors.New("short frame payload")
	ErrBadAck             = errors.New("invalid acknowledgement")
	ErrAckTimeout         = errors.New("timed out waiting for acknowledgement")
	ErrWriteTimeout       = errors.New("timed out writing to transport")
	ErrFileTooLarge       = errors.New("file exceeds maximum transferable size")
)

// ErrorKind classifies a protocol failure by how the session recovers from
// it. Everything except ErrorKindLink returns the session to
// StateWaitFilename.
type ErrorKind string

const (
	ErrorKindFraming    = ErrorKind("framing")
	ErrorKindSequencing = ErrorKind("sequencing")
	ErrorKindTruncation = ErrorKind("truncation")
	ErrorKindStorage    = ErrorKind("storage")
	ErrorKindLink       = ErrorKind("link")
)

func KindOf(err error) ErrorKind {
	switch errors.Cause(err) {
	case ErrShortHeader, ErrInvalidMagic, ErrUnexpectedType, ErrInvalidRange,
		ErrChunkTooLarge, ErrInvalidFilenameLen:
		return ErrorKindFraming
	case ErrRangeMismatch:
		return ErrorKindSequencing
	case ErrShortPayload:
		return ErrorKindTruncation
	}
	return ErrorKindStorage
}
