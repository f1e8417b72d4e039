// Package memguard implements the secret.Factory contract on top of
// awnumar/memguard's guarded, canaried, mlock'd buffers.
package memguard

import (
	"io"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/pkg/errors"
	"github.com/rcrowley/go-metrics"

	"github.com/vaultguard/envelopecrypt/secret"
	"github.com/vaultguard/envelopecrypt/secret/internal/memcall"
	"github.com/vaultguard/envelopecrypt/secret/internal/reader"
)

// AllocTimer records the latency of allocating a guarded buffer.
var AllocTimer = metrics.GetOrRegisterTimer("secret.memguard.alloctimer", nil)

type allocError string

func (e allocError) Error() string { return string(e) }

const (
	errAllocFailed allocError = "memguard buffer allocation failed"
	errClosed      allocError = "secret has already been closed"
)

// guardedSecret stores bytes in a memguard.LockedBuffer whose page
// protection flips between no-access and read-only around each access,
// and which is destroyed (zeroed + unlocked + freed) on Close.
type guardedSecret struct {
	buffer *memguard.LockedBuffer
	mc     memcall.Interface

	mu      *sync.RWMutex
	cond    *sync.Cond
	readers int
	closing bool
}

// WithBytes implements secret.Secret.
func (s *guardedSecret) WithBytes(action func([]byte) error) (err error) {
	if err = s.acquire(); err != nil {
		return err
	}

	defer func() {
		if relErr := s.release(); relErr != nil {
			if err == nil {
				err = relErr
			} else {
				err = errors.WithMessage(err, relErr.Error())
			}
		}
	}()

	return action(s.buffer.Bytes())
}

// WithBytesFunc implements secret.Secret.
func (s *guardedSecret) WithBytesFunc(action func([]byte) ([]byte, error)) (out []byte, err error) {
	if err = s.acquire(); err != nil {
		return nil, err
	}

	defer func() {
		if relErr := s.release(); relErr != nil {
			if err == nil {
				err = relErr
			} else {
				err = errors.WithMessage(err, relErr.Error())
			}
		}
	}()

	return action(s.buffer.Bytes())
}

// IsClosed implements secret.Secret.
func (s *guardedSecret) IsClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return !s.buffer.IsAlive()
}

// Close implements secret.Secret. It blocks until any in-flight WithBytes
// call releases the buffer before destroying it, so Close is safe to call
// concurrently with readers.
func (s *guardedSecret) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closing = true

	for s.buffer.IsAlive() {
		if s.readers == 0 {
			s.buffer.Destroy()

			secret.InUseCounter.Dec(1)

			return nil
		}

		s.cond.Wait()
	}

	return nil
}

// acquire flips the buffer to read-only on the first concurrent reader.
func (s *guardedSecret) acquire() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closing || !s.buffer.IsAlive() {
		return errors.WithStack(errClosed)
	}

	if s.readers == 0 {
		if err := s.mc.Protect(s.buffer.Inner(), memcall.ReadOnly()); err != nil {
			return errors.WithMessage(err, "unable to mark secret read-only")
		}
	}

	s.readers++

	return nil
}

// release flips the buffer back to no-access once the last concurrent
// reader is done.
func (s *guardedSecret) release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.cond.Broadcast()

	s.readers--

	if s.readers == 0 {
		if err := s.mc.Protect(s.buffer.Inner(), memcall.NoAccess()); err != nil {
			return errors.WithMessage(err, "unable to mark secret no-access")
		}
	}

	return nil
}

// NewReader implements secret.Secret.
func (s *guardedSecret) NewReader() io.Reader {
	return reader.New(s)
}

// Factory constructs guardedSecret values.
type Factory struct {
	mc memcall.Interface
}

func (f *Factory) memcall() memcall.Interface {
	if f.mc == nil {
		f.mc = memcall.Default
	}

	return f.mc
}

// New implements secret.Factory.
func (f *Factory) New(b []byte) (secret.Secret, error) {
	defer AllocTimer.UpdateSince(time.Now())

	return f.fromBuffer(memguard.NewBufferFromBytes(b))
}

// CreateRandom implements secret.Factory.
func (f *Factory) CreateRandom(size int) (secret.Secret, error) {
	defer AllocTimer.UpdateSince(time.Now())

	return f.fromBuffer(memguard.NewBufferRandom(size))
}

func (f *Factory) fromBuffer(lb *memguard.LockedBuffer) (*guardedSecret, error) {
	if !lb.IsAlive() {
		return nil, errors.WithStack(errAllocFailed)
	}

	if err := f.memcall().Protect(lb.Inner(), memcall.NoAccess()); err != nil {
		if cleanErr := memcall.Clean(f.memcall(), lb.Inner()); cleanErr != nil {
			err = errors.Wrap(err, cleanErr.Error())
		}

		return nil, err
	}

	secret.AllocCounter.Inc(1)
	secret.InUseCounter.Inc(1)

	mu := &sync.RWMutex{}

	return &guardedSecret{
		buffer: lb,
		mc:     f.memcall(),
		mu:     mu,
		cond:   sync.NewCond(mu),
	}, nil
}

var _ secret.Factory = (*Factory)(nil)
