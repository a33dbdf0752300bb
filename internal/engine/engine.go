package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"media-compressor-go/internal/metrics"
)

var (
	// ErrUnavailable is returned when the engine cannot be loaded.
	ErrUnavailable = errors.New("transcoding engine unavailable")
	// ErrExecution is returned when a transcode invocation fails.
	ErrExecution = errors.New("transcode failed")
	// ErrTimeout is returned when a transcode exceeds its deadline.
	ErrTimeout = errors.New("transcode timed out")
)

// Options bounds the output of a transcode.
type Options struct {
	MaxWidth         int
	MaxHeight        int
	MaxBitrateKbps   int
	AudioBitrateKbps int
	VideoCodec       string
	AudioCodec       string
	Preset           string
}

// ProgressFunc receives fractional progress in percent.
type ProgressFunc func(percent float64)

// Engine re-encodes video payloads.
type Engine interface {
	// Transcode re-encodes input and returns the encoded bytes and their MIME type.
	// Cancelling ctx aborts the underlying invocation.
	Transcode(ctx context.Context, input []byte, opts Options, onProgress ProgressFunc) ([]byte, string, error)
	// Close releases every resource held by the engine.
	Close() error
}

// InitFunc constructs an Engine.
type InitFunc func(ctx context.Context) (Engine, error)

type loadCall struct {
	done   chan struct{}
	engine Engine
	err    error
}

// Loader lazily initializes a single Engine. Concurrent callers share one
// in-flight initialization. A failed initialization is not cached, so a
// later call may try again.
type Loader struct {
	init InitFunc

	mu      sync.Mutex
	engine  Engine
	pending *loadCall
	closed  bool

	initializations atomic.Int64
}

// NewLoader returns a Loader that calls init on first use.
func NewLoader(init InitFunc) *Loader {
	return &Loader{init: init}
}

// Get returns the engine, initializing it if needed. Waiting callers honor
// their own ctx; the initialization itself is not cancelled by any single
// caller.
func (l *Loader) Get(ctx context.Context) (Engine, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, ErrUnavailable
	}
	if l.engine != nil {
		e := l.engine
		l.mu.Unlock()
		return e, nil
	}
	call := l.pending
	if call == nil {
		call = &loadCall{done: make(chan struct{})}
		l.pending = call
		go l.load(context.WithoutCancel(ctx), call)
	}
	l.mu.Unlock()

	select {
	case <-call.done:
		return call.engine, call.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *Loader) load(ctx context.Context, call *loadCall) {
	l.initializations.Add(1)

	var (
		e   Engine
		err error
	)
	if l.init == nil {
		err = ErrUnavailable
	} else {
		e, err = l.init(ctx)
	}
	if err == nil && e == nil {
		err = ErrUnavailable
	}
	if err != nil && !errors.Is(err, ErrUnavailable) {
		err = errors.Join(ErrUnavailable, err)
	}

	if err != nil {
		metrics.EngineInitializationsTotal.WithLabelValues("error").Inc()
	} else {
		metrics.EngineInitializationsTotal.WithLabelValues("success").Inc()
	}

	l.mu.Lock()
	l.pending = nil
	if err == nil {
		if l.closed {
			_ = e.Close()
			e, err = nil, ErrUnavailable
		} else {
			l.engine = e
		}
	}
	call.engine, call.err = e, err
	l.mu.Unlock()

	close(call.done)
}

// Ready reports whether the engine has been initialized.
func (l *Loader) Ready() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.engine != nil
}

// Initializations returns how many initialization sequences were started.
func (l *Loader) Initializations() int64 {
	return l.initializations.Load()
}

// Close closes the engine if it was loaded. Later Get calls fail.
func (l *Loader) Close() error {
	l.mu.Lock()
	e := l.engine
	l.engine = nil
	l.closed = true
	l.mu.Unlock()

	if e != nil {
		return e.Close()
	}
	return nil
}
