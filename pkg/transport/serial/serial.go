// Package serial runs the transport over a serial line, e.g. a USB CDC-ACM
// gadget on the target.
package serial

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.bug.st/serial"

	"github.com/scturtle/usblink/pkg/types"
	"github.com/scturtle/usblink/pkg/util"
)

var log = logrus.WithField(util.LogComponentField, "serial")

const (
	DefaultBaudRate = 115200

	reopenInterval = time.Second
)

var (
	ErrWriteTimeout = errors.New("serial write timed out")
)

type Options struct {
	BaudRate int
	// CheckDSR treats a deasserted DSR line as a disconnected peer.
	CheckDSR bool
}

type Port struct {
	device string
	mode   *serial.Mode
	opts   Options

	mu       sync.Mutex
	port     serial.Port
	lastOpen time.Time
}

func Open(device string, opts Options) (*Port, error) {
	if opts.BaudRate <= 0 {
		opts.BaudRate = DefaultBaudRate
	}
	p := &Port{
		device: device,
		mode: &serial.Mode{
			BaudRate: opts.BaudRate,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		},
		opts: opts,
	}
	if err := p.open(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Port) open() error {
	p.lastOpen = time.Now()
	port, err := serial.Open(p.device, p.mode)
	if err != nil {
		return errors.Wrapf(err, "failed to open serial device %v", p.device)
	}
	if err := port.ResetInputBuffer(); err != nil {
		log.WithError(err).Warnf("Failed to discard stale input on %v", p.device)
	}
	if p.opts.CheckDSR {
		if err := port.SetDTR(true); err != nil {
			log.WithError(err).Warnf("Failed to assert DTR on %v", p.device)
		}
	}
	p.port = port
	log.Infof("Opened serial device %v at %v baud", p.device, p.mode.BaudRate)
	return nil
}

func (p *Port) get() serial.Port {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.port
}

// Read fills p until it is full or timeout expires.
func (p *Port) Read(buf []byte, timeout time.Duration) (int, error) {
	port := p.get()
	if port == nil {
		return 0, types.ErrNotConnected
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	n := 0
	for n < len(buf) {
		readTimeout := serial.NoTimeout
		if !deadline.IsZero() {
			readTimeout = time.Until(deadline)
			if readTimeout <= 0 {
				break
			}
		}
		if err := port.SetReadTimeout(readTimeout); err != nil {
			return n, p.drop(err)
		}
		m, err := port.Read(buf[n:])
		if err != nil {
			return n, p.drop(err)
		}
		if m == 0 {
			break
		}
		n += m
	}
	return n, nil
}

// Write waits at most timeout for the driver to take buf. The serial driver
// has no write deadline, so a write that is still blocked when timeout
// expires is cut short by closing the port.
func (p *Port) Write(buf []byte, timeout time.Duration) (int, error) {
	port := p.get()
	if port == nil {
		return 0, types.ErrNotConnected
	}
	if timeout <= 0 {
		n, err := port.Write(buf)
		if err != nil {
			return n, p.drop(err)
		}
		return n, nil
	}

	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := port.Write(buf)
		done <- result{n, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r := <-done:
		if r.err != nil {
			return r.n, p.drop(r.err)
		}
		return r.n, nil
	case <-timer.C:
		return 0, p.drop(errors.Wrapf(ErrWriteTimeout, "after %v", timeout))
	}
}

// Disconnect closes the device. IsConnected reopens it once the reopen
// interval has passed since the close, discarding anything left in the
// input buffer.
func (p *Port) Disconnect() error {
	return p.Close()
}

// IsConnected reports whether the device is open and, with CheckDSR, whether
// the peer asserts DSR. A device that went away is reopened at most once per
// second.
func (p *Port) IsConnected() bool {
	p.mu.Lock()
	if p.port == nil {
		if time.Since(p.lastOpen) < reopenInterval {
			p.mu.Unlock()
			return false
		}
		if err := p.open(); err != nil {
			p.mu.Unlock()
			log.WithError(err).Debug("Serial device still unavailable")
			return false
		}
	}
	port := p.port
	p.mu.Unlock()

	if !p.opts.CheckDSR {
		return true
	}
	bits, err := port.GetModemStatusBits()
	if err != nil {
		p.drop(err)
		return false
	}
	return bits.DSR
}

func (p *Port) drop(err error) error {
	log.WithError(err).Warnf("Closing serial device %v", p.device)
	p.Close()
	return err
}

func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.port == nil {
		return nil
	}
	err := p.port.Close()
	p.port = nil
	p.lastOpen = time.Now()
	return err
}
