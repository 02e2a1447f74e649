// Package blockdev models a virtio-style block device: swap's
// synchronous page-out/page-in and the ELF loader's disk read both go
// through here. There is no real virtqueue in
// a host simulation, so a plain file stands in for the backing store, the
// way a single host file is guarded against concurrent instances with
// github.com/gofrs/flock rather than reimplementing file locking by hand.
//
// I/O is a budgeted interrupt wait followed by a polled wait with
// yield, with a timeout. github.com/cenkalti/backoff models that
// budgeted retry: each read or write that would, on real hardware,
// poll the virtqueue after an interrupt budget expires, is wrapped in a
// bounded exponential backoff retry here instead of a hand-rolled spin
// loop.
package blockdev

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gofrs/flock"

	"github.com/vkern/viper/pkg/klog"
)

// ErrTimeout is returned when an I/O operation exceeds its retry budget.
var ErrTimeout = errors.New("blockdev: i/o timed out")

// Device is a simulated block device backed by a single host file,
// guarded by an advisory lock so two simulated kernel instances never
// share one backing store.
type Device struct {
	path string
	file *os.File
	lock *flock.Flock

	blockSize uint32
}

// Open creates (or truncates) a backing file of the given size in bytes
// and takes an exclusive advisory lock on it.
func Open(path string, sizeBytes uint64, blockSize uint32) (*Device, error) {
	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("blockdev: lock %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("blockdev: %s already in use by another instance", path)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("blockdev: open %s: %w", path, err)
	}
	if err := f.Truncate(int64(sizeBytes)); err != nil {
		f.Close()
		lock.Unlock()
		return nil, fmt.Errorf("blockdev: truncate %s: %w", path, err)
	}

	klog.L("blockdev").WithFields(map[string]interface{}{
		"path": path, "size": sizeBytes,
	}).Info("block device opened")

	return &Device{path: path, file: f, lock: lock, blockSize: blockSize}, nil
}

// Close releases the backing file and its advisory lock.
func (d *Device) Close() error {
	err := d.file.Close()
	d.lock.Unlock()
	return err
}

// retryPolicy bounds the polled-wait-after-interrupt-budget loop:
// a handful of short exponential backoffs before giving up,
// standing in for a real interrupt-then-poll virtqueue wait.
func retryPolicy() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxInterval = 10 * time.Millisecond
	b.MaxElapsedTime = 200 * time.Millisecond
	return b
}

// ReadAt reads len(buf) bytes starting at the given byte offset, retrying
// under the budgeted-wait policy the way a polled virtio completion would.
func (d *Device) ReadAt(buf []byte, offset uint64) error {
	op := func() error {
		_, err := d.file.ReadAt(buf, int64(offset))
		return err
	}
	if err := backoff.Retry(op, retryPolicy()); err != nil {
		klog.L("blockdev").WithField("offset", offset).Warn("read timed out")
		return ErrTimeout
	}
	return nil
}

// WriteAt writes buf at the given byte offset, synchronously, matching
// swap_out's "synchronously write the frame contents via the block
// device".
func (d *Device) WriteAt(buf []byte, offset uint64) error {
	op := func() error {
		_, err := d.file.WriteAt(buf, int64(offset))
		return err
	}
	if err := backoff.Retry(op, retryPolicy()); err != nil {
		klog.L("blockdev").WithField("offset", offset).Warn("write timed out")
		return ErrTimeout
	}
	return d.file.Sync()
}

// BlockSize returns the device's native block size.
func (d *Device) BlockSize() uint32 { return d.blockSize }
