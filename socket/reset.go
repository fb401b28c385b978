package socket

import (
	"sync"

	"go.uber.org/zap"

	"github.com/wippyai/netsock/errors"
)

// ResetState tracks whether the peer has reset a stream connection.
type ResetState uint8

const (
	NotReset ResetState = iota
	// ResetPending means the OS reported a reset but bytes may still be
	// buffered.
	ResetPending
	Reset
)

func (s ResetState) String() string {
	switch s {
	case NotReset:
		return "not-reset"
	case ResetPending:
		return "reset-pending"
	case Reset:
		return "reset"
	}
	return "unknown"
}

// ResetDetector holds the ResetState under its own lock. The state only
// advances.
type ResetDetector struct {
	log *zap.Logger
	rec Recorder

	mu    sync.Mutex
	state ResetState
}

func newResetDetector(cfg Config) *ResetDetector {
	return &ResetDetector{log: cfg.Logger, rec: cfg.Recorder}
}

// State returns the current state.
func (d *ResetDetector) State() ResetState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *ResetDetector) advance(to ResetState) {
	d.mu.Lock()
	from := d.state
	if to > from {
		d.state = to
	}
	d.mu.Unlock()

	if to > from {
		d.log.Debug("connection reset state", zap.Stringer("from", from), zap.Stringer("to", to))
		if to == Reset {
			d.rec.ConnectionReset()
		}
	}
}

// MarkPending records an OS-reported reset.
func (d *ResetDetector) MarkPending() { d.advance(ResetPending) }

// Confirm promotes ResetPending to Reset. It does nothing in NotReset.
func (d *ResetDetector) Confirm() {
	if d.State() == ResetPending {
		d.advance(Reset)
	}
}

// Available runs the byte-count algorithm. query asks the OS for the number
// of buffered bytes and must not be called with the reset lock held.
//
// A reset socket or one whose input is shut down reports zero without asking
// the OS. A reset reported by the OS marks the connection ResetPending and the
// query is retried once; zero bytes while pending confirms the reset.
func (d *ResetDetector) Available(inputShut bool, query func() (int, error)) (int, error) {
	if inputShut || d.State() == Reset {
		return 0, nil
	}

	n, err := query()
	if err == nil {
		if n == 0 {
			d.Confirm()
		}
		return n, nil
	}
	if errors.KindOf(err) != errors.KindConnectionReset {
		return 0, err
	}

	d.MarkPending()
	n, err = query()
	switch {
	case err == nil:
		if n == 0 {
			d.advance(Reset)
		}
		return n, nil
	case errors.KindOf(err) == errors.KindConnectionReset:
		return 0, nil
	default:
		return 0, err
	}
}
