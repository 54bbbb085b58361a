// Package ioutils provides small reader and writer wrappers used by the
// request body plumbing: close-once wrappers for rebound bodies and a
// counting reader that feeds transfer progress records.
package ioutils

import (
	"io"
	"sync/atomic"

	"github.com/containerd/log"
)

type writeCloserWrapper struct {
	io.Writer
	closer func() error
	closed atomic.Bool
}

func (w *writeCloserWrapper) Close() error {
	if !w.closed.CompareAndSwap(false, true) {
		subsequentCloseWarn("WriteCloserWrapper")
		return nil
	}
	return w.closer()
}

// NewWriteCloserWrapper returns an io.WriteCloser whose Close calls closer
// exactly once.
func NewWriteCloserWrapper(w io.Writer, closer func() error) io.WriteCloser {
	return &writeCloserWrapper{
		Writer: w,
		closer: closer,
	}
}

func subsequentCloseWarn(name string) {
	log.L.Error("subsequent attempt to close " + name)
}
