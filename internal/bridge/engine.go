package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Link is the dedicated low-level configuration channel a sequence is
// replayed over. Replay consumes the decompressed sequence stream; it is
// irreversible once started and is never retried by the engine.
type Link interface {
	Replay(ctx context.Context, seq io.Reader) error
}

// Status is the engine's observable state, served by the status API.
type Status struct {
	SequenceDir string   `json:"sequence_dir"`
	Sequences   []string `json:"sequences"`
	LastToken   string   `json:"last_token"`
	LastReplay  int64    `json:"last_replay"`
	Replays     uint64   `json:"replays"`
	Dropped     uint64   `json:"dropped"`
	LastError   string   `json:"last_error"`
}

// Engine watches the shared debug stream for reconfiguration requests
// and replays the matching stored sequence. It is the dumb half of the
// protocol: exact token in, verbatim sequence out, nothing else.
//
// Run drives a single event loop; Status, SetStore, and Replay may be
// called from other goroutines.
type Engine struct {
	link Link
	log  *zap.Logger

	mu         sync.Mutex
	store      *Store
	lastToken  string
	lastReplay time.Time
	replays    uint64
	dropped    uint64
	lastErr    string
}

// NewEngine builds an engine over a loaded store and a configured link.
func NewEngine(store *Store, link Link, log *zap.Logger) (*Engine, error) {
	if store == nil {
		return nil, errors.New("sequence store is required")
	}
	if link == nil {
		return nil, errors.New("replay link is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{store: store, link: link, log: log}, nil
}

// SetStore swaps in a freshly loaded store. Used by config reload; an
// in-flight replay keeps its already-open sequence.
func (e *Engine) SetStore(store *Store) {
	if store == nil {
		return
	}
	e.mu.Lock()
	e.store = store
	e.mu.Unlock()
	e.log.Info("sequence store reloaded",
		zap.String("dir", store.Dir()),
		zap.Int("sequences", len(store.Targets())))
}

// Status returns a snapshot of the engine's counters and store coverage.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := Status{
		SequenceDir: e.store.Dir(),
		LastToken:   e.lastToken,
		Replays:     e.replays,
		Dropped:     e.dropped,
		LastError:   e.lastErr,
	}
	if !e.lastReplay.IsZero() {
		st.LastReplay = e.lastReplay.Unix()
	}
	for _, t := range e.store.Targets() {
		name, err := SequenceFile(t)
		if err != nil {
			continue
		}
		st.Sequences = append(st.Sequences, name)
	}
	return st
}

// Run scans the debug stream until it ends or ctx is cancelled.
// Cancellation takes effect between lines; close the underlying stream
// to unblock a pending read. A clean end of stream returns nil.
func (e *Engine) Run(ctx context.Context, r io.Reader) error {
	sc := NewScanner(r)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		e.handleLine(ctx, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("debug stream failed: %w", err)
	}
	return ctx.Err()
}

// handleLine classifies one debug line. Only a whole-line exact token
// triggers a replay; a near miss is logged and counted but never acted
// on, and everything else passes through as device log output.
func (e *Engine) handleLine(ctx context.Context, line string) {
	target, ok := ParseToken(line)
	if !ok {
		if strings.HasPrefix(line, TokenPrefix) {
			e.log.Warn("unrecognized reconfiguration token", zap.String("line", line))
			e.mu.Lock()
			e.dropped++
			e.mu.Unlock()
			return
		}
		e.log.Debug("device", zap.String("line", line))
		return
	}

	e.mu.Lock()
	e.lastToken = line
	e.mu.Unlock()

	if err := e.Replay(ctx, target); err != nil {
		if errors.Is(err, ErrNoSequence) {
			e.log.Warn("request dropped", zap.String("token", line), zap.Error(err))
			e.mu.Lock()
			e.dropped++
			e.mu.Unlock()
			return
		}
		e.log.Error("replay failed", zap.String("token", line), zap.Error(err))
	}
}

// Replay streams the stored sequence for target over the link and
// updates the counters. It returns ErrNoSequence when the store does not
// cover the target.
func (e *Engine) Replay(ctx context.Context, target int) error {
	e.mu.Lock()
	store := e.store
	e.mu.Unlock()

	seq, err := store.Sequence(target)
	if err != nil {
		return err
	}
	defer seq.Close()

	start := time.Now()
	if err := e.link.Replay(ctx, seq); err != nil {
		e.mu.Lock()
		e.lastErr = err.Error()
		e.mu.Unlock()
		return fmt.Errorf("failed to replay sequence for target %d: %w", target, err)
	}

	e.mu.Lock()
	e.replays++
	e.lastReplay = time.Now()
	e.lastErr = ""
	e.mu.Unlock()
	e.log.Info("replayed reconfiguration sequence",
		zap.Int("target", target),
		zap.Duration("took", time.Since(start)))
	return nil
}
