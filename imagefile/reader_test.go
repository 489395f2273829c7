package imagefile

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/arloliu/go-marccd/ndarray"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/tiff"
)

func encodeGray16(t *testing.T, w, h int) []byte {
	t.Helper()

	img := image.NewGray16(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.SetGray16(x, y, color.Gray16{Y: uint16(y*w + x + 1)})
		}
	}

	var buf bytes.Buffer
	require.NoError(t, tiff.Encode(&buf, img, nil))

	return buf.Bytes()
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()

	tmp := path + ".tmp"
	require.NoError(t, os.WriteFile(tmp, data, 0o600))
	require.NoError(t, os.Rename(tmp, path))
}

func newTestReader() *Reader {
	return NewReader(WithPollInterval(5 * time.Millisecond))
}

func requireImage(t *testing.T, dst *ndarray.Array) {
	t.Helper()
	for i, v := range dst.Pix {
		require.Equal(t, uint16(i+1), v, "pixel %d", i)
	}
}

func TestReadImage_Ready(t *testing.T) {
	require := require.New(t)

	path := filepath.Join(t.TempDir(), "frame_001.tif")
	writeFile(t, path, encodeGray16(t, 4, 3))

	dst := ndarray.NewArray(4, 3)
	err := newTestReader().ReadImage(context.Background(), path, time.Now(), time.Second, dst)
	require.NoError(err)
	requireImage(t, dst)
}

func TestReadImage_AppearsLater(t *testing.T) {
	require := require.New(t)

	path := filepath.Join(t.TempDir(), "frame_002.tif")
	data := encodeGray16(t, 8, 8)
	go func() {
		time.Sleep(50 * time.Millisecond)
		writeFile(t, path, data)
	}()

	dst := ndarray.NewArray(8, 8)
	err := newTestReader().ReadImage(context.Background(), path, time.Now(), time.Second, dst)
	require.NoError(err)
	requireImage(t, dst)
}

func TestReadImage_CompletesLater(t *testing.T) {
	require := require.New(t)

	path := filepath.Join(t.TempDir(), "frame_003.tif")
	data := encodeGray16(t, 16, 16)

	// the server has only written part of the pixel data so far
	writeFile(t, path, data[:len(data)/3])
	go func() {
		time.Sleep(60 * time.Millisecond)
		writeFile(t, path, data)
	}()

	dst := ndarray.NewArray(16, 16)
	err := newTestReader().ReadImage(context.Background(), path, time.Now(), time.Second, dst)
	require.NoError(err)
	requireImage(t, dst)
}

func TestReadImage_NeverCreated(t *testing.T) {
	require := require.New(t)

	path := filepath.Join(t.TempDir(), "missing.tif")
	dst := ndarray.NewArray(4, 4)

	begin := time.Now()
	err := newTestReader().ReadImage(context.Background(), path, time.Now(), 50*time.Millisecond, dst)
	require.ErrorIs(err, ErrCreateTimeout)
	require.GreaterOrEqual(time.Since(begin), 50*time.Millisecond)

	err = newTestReader().ReadImage(context.Background(), path, time.Now(), 0, dst)
	require.ErrorIs(err, ErrCreateTimeout)
}

func TestReadImage_Freshness(t *testing.T) {
	path := filepath.Join(t.TempDir(), "old.tif")
	writeFile(t, path, encodeGray16(t, 4, 4))
	now := time.Now()

	t.Run("stale file times out", func(t *testing.T) {
		require := require.New(t)
		require.NoError(os.Chtimes(path, now, now.Add(-time.Hour)))

		dst := ndarray.NewArray(4, 4)
		err := newTestReader().ReadImage(context.Background(), path, now, 50*time.Millisecond, dst)
		require.ErrorIs(err, ErrCreateTimeout)
		require.Contains(err.Error(), "clocks")
	})

	t.Run("zero timeout skips the check", func(t *testing.T) {
		require := require.New(t)
		require.NoError(os.Chtimes(path, now, now.Add(-time.Hour)))

		dst := ndarray.NewArray(4, 4)
		err := newTestReader().ReadImage(context.Background(), path, now, 0, dst)
		require.NoError(err)
		requireImage(t, dst)
	})

	t.Run("within clock skew", func(t *testing.T) {
		require := require.New(t)
		require.NoError(os.Chtimes(path, now, now.Add(-5*time.Second)))

		dst := ndarray.NewArray(4, 4)
		err := newTestReader().ReadImage(context.Background(), path, now, 50*time.Millisecond, dst)
		require.NoError(err)
	})

	t.Run("custom clock skew", func(t *testing.T) {
		require := require.New(t)
		require.NoError(os.Chtimes(path, now, now.Add(-5*time.Second)))

		r := NewReader(WithPollInterval(5*time.Millisecond), WithClockSkew(time.Second))
		err := r.ReadImage(context.Background(), path, now, 30*time.Millisecond, ndarray.NewArray(4, 4))
		require.ErrorIs(err, ErrCreateTimeout)
	})
}

func TestReadImage_Invalid(t *testing.T) {
	t.Run("dimension mismatch retries until timeout", func(t *testing.T) {
		require := require.New(t)

		path := filepath.Join(t.TempDir(), "small.tif")
		writeFile(t, path, encodeGray16(t, 4, 4))

		dst := ndarray.NewArray(8, 8)
		dst.Pix[0] = 42
		begin := time.Now()
		err := newTestReader().ReadImage(context.Background(), path, time.Now(), 50*time.Millisecond, dst)
		require.ErrorIs(err, ErrIncompleteTimeout)
		require.ErrorIs(err, ErrDimensionMismatch)
		require.GreaterOrEqual(time.Since(begin), 50*time.Millisecond)
		require.Zero(dst.Pix[0])
	})

	t.Run("8-bit image", func(t *testing.T) {
		require := require.New(t)

		img := image.NewGray(image.Rect(0, 0, 4, 4))
		var buf bytes.Buffer
		require.NoError(tiff.Encode(&buf, img, nil))
		path := filepath.Join(t.TempDir(), "gray8.tif")
		writeFile(t, path, buf.Bytes())

		err := newTestReader().ReadImage(context.Background(), path, time.Now(), 0, ndarray.NewArray(4, 4))
		require.ErrorIs(err, ErrIncompleteTimeout)
		require.ErrorIs(err, ErrSizeMismatch)
	})

	t.Run("not a tiff", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "junk.tif")
		writeFile(t, path, []byte("not an image"))

		err := newTestReader().ReadImage(context.Background(), path, time.Now(), 20*time.Millisecond, ndarray.NewArray(4, 4))
		require.ErrorIs(t, err, ErrIncompleteTimeout)
	})

	t.Run("empty path", func(t *testing.T) {
		err := newTestReader().ReadImage(context.Background(), "", time.Now(), time.Second, ndarray.NewArray(4, 4))
		require.ErrorIs(t, err, ErrNoFileName)
	})
}

func TestReadImage_Cancel(t *testing.T) {
	require := require.New(t)

	errAbort := errors.New("acquisition aborted")
	ctx, cancel := context.WithCancelCause(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel(errAbort)
	}()

	path := filepath.Join(t.TempDir(), "never.tif")
	begin := time.Now()
	err := newTestReader().ReadImage(ctx, path, time.Now(), 10*time.Second, ndarray.NewArray(4, 4))
	require.ErrorIs(err, errAbort)
	require.NotErrorIs(err, ErrCreateTimeout)
	require.Less(time.Since(begin), time.Second)
}
