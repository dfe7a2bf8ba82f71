package dataconn

import (
	"fmt"

	"github.com/scturtle/usblink/pkg/meta"
)

type Type uint32

const (
	TypeInvalid Type = iota
	TypeFilename
	TypeFileRange
	TypeAck
)

const (
	Magic = uint32(meta.ProtocolMagic) // TUTR

	HeaderSize     = meta.HeaderSize
	MaxChunkSize   = uint32(0x1000000)
	MaxFilenameLen = uint32(4096)
)

func (t Type) String() string {
	switch t {
	case TypeInvalid:
		return "invalid"
	case TypeFilename:
		return "filename"
	case TypeFileRange:
		return "filerange"
	case TypeAck:
		return "ack"
	}
	return fmt.Sprintf("unknown(%d)", uint32(t))
}

// Header is the fixed frame header. For filename frames End carries the
// length of the name that follows, for range frames [Start, End) is the
// byte range that follows and Start == End marks the end of the file.
type Header struct {
	Magic uint32
	Type  Type
	Start uint32
	End   uint32
}

func NewHeader(t Type, start, end uint32) Header {
	return Header{
		Magic: Magic,
		Type:  t,
		Start: start,
		End:   end,
	}
}

// PayloadSize is the number of bytes that follow the header on the wire.
func (h Header) PayloadSize() uint32 {
	switch h.Type {
	case TypeFilename:
		return h.End
	case TypeFileRange:
		if h.End < h.Start {
			return 0
		}
		return h.End - h.Start
	case TypeInvalid, TypeAck:
		return 0
	}
	return 0
}

// IsEOF reports whether a range header terminates the file.
func (h Header) IsEOF() bool {
	return h.Type == TypeFileRange && h.Start == h.End
}

type State int

const (
	StateWaitConnect State = iota
	StateWaitFilename
	StateWaitFileRange
	StateWaitFileData
)

func (s State) String() string {
	switch s {
	case StateWaitConnect:
		return "wait-connect"
	case StateWaitFilename:
		return "wait-filename"
	case StateWaitFileRange:
		return "wait-filerange"
	case StateWaitFileData:
		return "wait-filedata"
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

// StepResult tells the host loop what one Step did, so it can pick its own
// idle policy.
type StepResult int

const (
	StepIdle StepResult = iota
	StepProgressed
	StepError
	StepDisconnected
)

func (r StepResult) String() string {
	switch r {
	case StepIdle:
		return "idle"
	case StepProgressed:
		return "progressed"
	case StepError:
		return "error"
	case StepDisconnected:
		return "disconnected"
	}
	return fmt.Sprintf("unknown(%d)", int(r))
}

// Stats counts what a session has done since it was created.
type Stats struct {
	FilesCompleted uint64 `json:"filesCompleted"`
	FilesAbandoned uint64 `json:"filesAbandoned"`
	BytesReceived  uint64 `json:"bytesReceived"`
	AcksSent       uint64 `json:"acksSent"`
	Errors         uint64 `json:"errors"`
	Connects       uint64 `json:"connects"`
}
