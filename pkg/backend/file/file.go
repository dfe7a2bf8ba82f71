package file

import (
	"fmt"
	"hash"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"

	"github.com/scturtle/usblink/pkg/types"
	"github.com/scturtle/usblink/pkg/util"
)

var log = logrus.WithField(util.LogComponentField, "file")

const (
	LockDirectory = ".locks"

	xattrChecksumName = "user.usblink.crc64"
)

// Factory stores received files directly under one root directory.
type Factory struct {
	root    string
	prepare util.Once
}

func New(root string) *Factory {
	return &Factory{root: root}
}

func (ff *Factory) Root() string {
	return ff.root
}

type Wrapper struct {
	*os.File

	name   string
	lock   *flock.Flock
	hash   hash.Hash64
	size   int64
	closed bool
}

// CleanName reduces a peer supplied name to a plain file name inside the
// root directory.
func CleanName(name string) (string, error) {
	if strings.IndexByte(name, 0) >= 0 {
		return "", fmt.Errorf("invalid file name %q", name)
	}
	name = strings.ReplaceAll(name, "\\", "/")
	base := filepath.Base(filepath.Clean("/" + name))
	switch base {
	case "", "/", ".", "..", LockDirectory:
		return "", fmt.Errorf("invalid file name %q", name)
	}
	return base, nil
}

func (ff *Factory) OpenForWrite(name string) (types.FileWriter, error) {
	base, err := CleanName(name)
	if err != nil {
		return nil, err
	}
	if err := ff.prepare.Do(func() error {
		return os.MkdirAll(filepath.Join(ff.root, LockDirectory), 0755)
	}); err != nil {
		return nil, errors.Wrapf(err, "failed to prepare directory %v", ff.root)
	}

	lock := flock.New(filepath.Join(ff.root, LockDirectory, base+".lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to lock %v", base)
	}
	if !locked {
		return nil, fmt.Errorf("%v is being written by another process", base)
	}

	path := filepath.Join(ff.root, base)
	log.Infof("Creating file: %s", path)
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		if unlockErr := lock.Unlock(); unlockErr != nil {
			log.WithError(unlockErr).Warnf("Failed to unlock %v", lock.Path())
		}
		return nil, errors.Wrapf(err, "failed to create %v", path)
	}

	return &Wrapper{
		File: file,
		name: base,
		lock: lock,
		hash: util.NewChecksum(),
	}, nil
}

func (f *Wrapper) Name() string {
	return f.name
}

func (f *Wrapper) Size() int64 {
	return f.size
}

func (f *Wrapper) Append(p []byte) error {
	if f.closed {
		return os.ErrClosed
	}
	n, err := f.File.Write(p)
	f.hash.Write(p[:n])
	f.size += int64(n)
	return err
}

// Complete flushes the file, records its checksum and closes it.
func (f *Wrapper) Complete() (string, error) {
	if f.closed {
		return "", os.ErrClosed
	}
	checksum := util.FormatChecksum(f.hash)

	if err := f.Sync(); err != nil {
		return "", multierr.Append(errors.Wrapf(err, "failed to sync %v", f.name), f.Close())
	}
	if err := unix.Setxattr(f.File.Name(), xattrChecksumName, []byte(checksum), 0); err != nil {
		log.WithError(err).Debugf("Failed to set checksum xattr on %v", f.File.Name())
	}
	return checksum, f.Close()
}

func (f *Wrapper) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true
	log.Infof("Closing: %s", f.File.Name())
	return multierr.Combine(f.File.Close(), f.lock.Unlock())
}

// Checksum reads back the checksum recorded by Complete.
func Checksum(path string) (string, error) {
	buf := make([]byte, 64)
	n, err := unix.Getxattr(path, xattrChecksumName, buf)
	if err != nil {
		return "", err
	}
	return string(buf[:n]), nil
}
