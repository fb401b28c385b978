package socket

import (
	"testing"

	"github.com/wippyai/netsock/errors"
)

type queryResult struct {
	n   int
	err error
}

func scripted(results ...queryResult) (func() (int, error), *int) {
	calls := 0
	return func() (int, error) {
		r := results[calls]
		calls++
		return r.n, r.err
	}, &calls
}

func TestResetDetector_Available(t *testing.T) {
	reset := errors.New(errors.OpAvailable, errors.KindConnectionReset).Build()
	other := errors.New(errors.OpAvailable, errors.KindSystem).Build()

	tests := []struct {
		name      string
		results   []queryResult
		want      int
		wantErr   bool
		wantState ResetState
		wantCalls int
	}{
		{"bytes buffered", []queryResult{{5, nil}}, 5, false, NotReset, 1},
		{"nothing buffered", []queryResult{{0, nil}}, 0, false, NotReset, 1},
		{"reset with bytes left", []queryResult{{0, reset}, {3, nil}}, 3, false, ResetPending, 2},
		{"reset confirmed", []queryResult{{0, reset}, {0, nil}}, 0, false, Reset, 2},
		{"reset twice", []queryResult{{0, reset}, {0, reset}}, 0, false, ResetPending, 2},
		{"other error", []queryResult{{0, other}}, 0, true, NotReset, 1},
		{"reset then other error", []queryResult{{0, reset}, {0, other}}, 0, true, ResetPending, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newResetDetector(Config{}.normalize())
			query, calls := scripted(tt.results...)

			n, err := d.Available(false, query)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if n != tt.want {
				t.Errorf("n = %d, want %d", n, tt.want)
			}
			if d.State() != tt.wantState {
				t.Errorf("state = %v, want %v", d.State(), tt.wantState)
			}
			if *calls != tt.wantCalls {
				t.Errorf("queries = %d, want %d", *calls, tt.wantCalls)
			}
		})
	}
}

func TestResetDetector_PendingThenEmpty(t *testing.T) {
	d := newResetDetector(Config{}.normalize())
	d.MarkPending()

	query, _ := scripted(queryResult{0, nil})
	if n, err := d.Available(false, query); n != 0 || err != nil {
		t.Fatalf("Available = %d, %v", n, err)
	}
	if d.State() != Reset {
		t.Errorf("state = %v, want reset", d.State())
	}
}

func TestResetDetector_Monotonic(t *testing.T) {
	rec := &countingRecorder{}
	d := newResetDetector(Config{Recorder: rec}.normalize())
	d.MarkPending()
	d.Confirm()
	if d.State() != Reset {
		t.Fatalf("state = %v", d.State())
	}

	reset := errors.New(errors.OpAvailable, errors.KindConnectionReset).Build()
	for i := 0; i < 10; i++ {
		d.MarkPending()
		d.Confirm()
		query, calls := scripted(queryResult{7, nil}, queryResult{0, reset})
		n, err := d.Available(false, query)
		if n != 0 || err != nil || *calls != 0 {
			t.Fatalf("Available after reset = %d, %v (queries %d)", n, err, *calls)
		}
		if d.State() != Reset {
			t.Fatalf("state regressed to %v", d.State())
		}
	}
	if got := rec.snapshot().resets; got != 1 {
		t.Errorf("resets recorded = %d, want 1", got)
	}
}

func TestResetDetector_InputShut(t *testing.T) {
	d := newResetDetector(Config{}.normalize())
	query, calls := scripted(queryResult{9, nil})
	if n, _ := d.Available(true, query); n != 0 || *calls != 0 {
		t.Errorf("Available with input shut = %d (queries %d)", n, *calls)
	}
}

func TestResetDetector_ConfirmFromNotReset(t *testing.T) {
	d := newResetDetector(Config{}.normalize())
	d.Confirm()
	if d.State() != NotReset {
		t.Errorf("Confirm without pending moved state to %v", d.State())
	}
}
