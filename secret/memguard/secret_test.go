package memguard

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFactoryNewCopiesAndWipesSource(t *testing.T) {
	f := new(Factory)

	orig := []byte("thisisaterriblythirtytwobytekey!")
	src := make([]byte, len(orig))
	copy(src, orig)

	s, err := f.New(src)
	require.NoError(t, err)
	defer s.Close()

	assert.NotEqual(t, orig, src, "the caller's slice must be wiped after the copy")

	err = s.WithBytes(func(b []byte) error {
		assert.Equal(t, orig, b)
		return nil
	})
	require.NoError(t, err)
}

func TestFactoryCreateRandom(t *testing.T) {
	f := new(Factory)

	s, err := f.CreateRandom(32)
	require.NoError(t, err)
	defer s.Close()

	var first []byte

	err = s.WithBytes(func(b []byte) error {
		assert.Len(t, b, 32)
		first = append([]byte(nil), b...)
		return nil
	})
	require.NoError(t, err)

	s2, err := f.CreateRandom(32)
	require.NoError(t, err)
	defer s2.Close()

	err = s2.WithBytes(func(b []byte) error {
		assert.NotEqual(t, first, b)
		return nil
	})
	require.NoError(t, err)
}

func TestWithBytesFuncReturnsDerivedValue(t *testing.T) {
	f := new(Factory)

	s, err := f.New([]byte("some bytes"))
	require.NoError(t, err)
	defer s.Close()

	out, err := s.WithBytesFunc(func(b []byte) ([]byte, error) {
		return append([]byte("derived:"), b...), nil
	})
	require.NoError(t, err)
	assert.Equal(t, "derived:some bytes", string(out))
}

func TestCloseWipesAndRejectsFurtherAccess(t *testing.T) {
	f := new(Factory)

	s, err := f.New([]byte("ephemeral"))
	require.NoError(t, err)

	require.NoError(t, s.Close())
	assert.True(t, s.IsClosed())

	err = s.WithBytes(func([]byte) error { return nil })
	assert.Error(t, err)

	_, err = s.WithBytesFunc(func([]byte) ([]byte, error) { return nil, nil })
	assert.Error(t, err)

	// A second Close is a no-op.
	require.NoError(t, s.Close())
}

func TestConcurrentReadersShareTheBuffer(t *testing.T) {
	f := new(Factory)

	s, err := f.New([]byte("shared secret bytes"))
	require.NoError(t, err)
	defer s.Close()

	const readers = 16

	var wg sync.WaitGroup

	errs := make(chan error, readers)

	for i := 0; i < readers; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			errs <- s.WithBytes(func(b []byte) error {
				if string(b) != "shared secret bytes" {
					return assert.AnError
				}

				return nil
			})
		}()
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
}

func TestCloseWaitsForInFlightReaders(t *testing.T) {
	f := new(Factory)

	s, err := f.New([]byte("busy secret"))
	require.NoError(t, err)

	entered := make(chan struct{})
	release := make(chan struct{})
	closed := make(chan struct{})

	go func() {
		_ = s.WithBytes(func([]byte) error {
			close(entered)
			<-release
			return nil
		})
	}()

	<-entered

	go func() {
		_ = s.Close()
		close(closed)
	}()

	time.Sleep(10 * time.Millisecond)

	select {
	case <-closed:
		t.Fatal("Close must not complete while a reader holds the buffer")
	default:
	}

	close(release)
	<-closed

	assert.True(t, s.IsClosed())
}

func TestNewReaderStreamsPlaintext(t *testing.T) {
	f := new(Factory)

	s, err := f.New([]byte("streamable secret"))
	require.NoError(t, err)
	defer s.Close()

	out, err := io.ReadAll(s.NewReader())
	require.NoError(t, err)
	assert.Equal(t, "streamable secret", string(out))
}
