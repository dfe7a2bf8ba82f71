package types

import (
	"errors"
	"time"
)

const (
	TransportTypeTCP    = "tcp"
	TransportTypeSerial = "serial"

	DefaultHeaderTimeout = time.Millisecond
	DefaultDataTimeout   = 10 * time.Second
	DefaultConnectPoll   = 100 * time.Millisecond
)

var (
	ErrNotConnected = errors.New("transport is not connected")
)

// Transport is a point-to-point bulk byte channel. Read and Write block for
// at most timeout, a non-positive timeout waits without limit. A timeout that
// expires is not an error: the call returns the number of bytes transferred
// so far, possibly zero. An error means the link itself failed.
type Transport interface {
	Read(p []byte, timeout time.Duration) (int, error)
	Write(p []byte, timeout time.Duration) (int, error)
	IsConnected() bool
	Close() error
}

// Disconnecter is implemented by transports that can drop the current peer
// and wait for a new one without closing for good.
type Disconnecter interface {
	Disconnect() error
}

// Storage opens destination files by name.
type Storage interface {
	OpenForWrite(name string) (FileWriter, error)
}

// FileWriter appends to one destination file. Close releases the file
// without marking it complete, Complete flushes and finalizes it.
type FileWriter interface {
	Name() string
	Append(p []byte) error
	Size() int64
	Complete() (string, error)
	Close() error
}
