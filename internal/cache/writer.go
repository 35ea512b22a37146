package cache

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
)

// Writer is a temporary artifact file under the store's .partial directory.
// It is not safe for concurrent use.
type Writer struct {
	id   string
	path string
	f    *os.File
	n    int64

	once   sync.Once
	closed bool
}

func (w *Writer) Write(p []byte) (int, error) {
	n, err := w.f.Write(p)
	w.n += int64(n)
	return n, err
}

// Path is the temporary file path. It is only valid until Commit or Abort.
func (w *Writer) Path() string { return w.path }

// Size is the number of bytes written so far.
func (w *Writer) Size() int64 { return w.n }

// Close flushes and closes the file without removing it.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.f.Sync(); err != nil {
		_ = w.f.Close()
		return err
	}
	return w.f.Close()
}

// Abort discards the temporary file. Safe to call more than once and after
// Commit.
func (w *Writer) Abort() {
	w.once.Do(func() {
		if !w.closed {
			w.closed = true
			_ = w.f.Close()
		}
		_ = os.Remove(w.path)
	})
}

// Copy streams src into dst, checking ctx between reads.
func Copy(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
