package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

var (
	errTotalTimeout = fmt.Errorf("upstream exceeded total timeout: %w", context.DeadlineExceeded)
	errStalled      = fmt.Errorf("upstream body stalled: %w", context.DeadlineExceeded)
)

// fetchBudget bounds one proxied fetch. The total deadline covers the
// redirect walk and buffering of a document; it is released before a body is
// streamed, after which only stalls between reads end the fetch.
type fetchBudget struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
	total  *time.Timer
	stall  time.Duration
}

func newFetchBudget(parent context.Context, total, stall time.Duration) *fetchBudget {
	ctx, cancel := context.WithCancelCause(parent)
	b := &fetchBudget{ctx: ctx, cancel: cancel, stall: stall}
	if total > 0 {
		b.total = time.AfterFunc(total, func() { cancel(errTotalTimeout) })
	}
	return b
}

// release stops the total deadline. It reports false when the deadline has
// already fired.
func (b *fetchBudget) release() bool {
	if b.total == nil || b.total.Stop() {
		return true
	}
	return false
}

func (b *fetchBudget) done() {
	b.release()
	b.cancel(nil)
}

// explain attributes err to the budget when the budget ended the fetch.
func (b *fetchBudget) explain(err error) error {
	if cause := context.Cause(b.ctx); errors.Is(cause, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", cause, err)
	}
	return err
}

// watch arms the stall timer around every read of body.
func (b *fetchBudget) watch(body io.ReadCloser) io.ReadCloser {
	if b.stall <= 0 {
		return body
	}
	t := time.AfterFunc(b.stall, func() { b.cancel(errStalled) })
	t.Stop()
	return &stallReader{ReadCloser: body, timer: t, stall: b.stall}
}

type stallReader struct {
	io.ReadCloser
	timer *time.Timer
	stall time.Duration
}

func (s *stallReader) Read(p []byte) (int, error) {
	s.timer.Reset(s.stall)
	n, err := s.ReadCloser.Read(p)
	s.timer.Stop()
	return n, err
}

func (s *stallReader) Close() error {
	s.timer.Stop()
	return s.ReadCloser.Close()
}
