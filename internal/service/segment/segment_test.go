package segment

import (
	"sync"
	"testing"
)

func TestTracker_Lifecycle(t *testing.T) {
	tr := NewTracker("t-1")
	if tr.State() != StateIdle {
		t.Fatalf("expected IDLE, got %s", tr.State())
	}

	id := tr.Partial()
	if id != "t-1-seg-1" {
		t.Errorf("expected t-1-seg-1, got %s", id)
	}
	if again := tr.Partial(); again != id {
		t.Errorf("partials of one utterance share an id, got %s", again)
	}

	fid, seq := tr.Final()
	if fid != id || seq != 1 {
		t.Errorf("expected (%s, 1), got (%s, %d)", id, fid, seq)
	}
	if tr.State() != StateFinal {
		t.Errorf("expected FINAL, got %s", tr.State())
	}

	if next := tr.Partial(); next != "t-1-seg-2" {
		t.Errorf("expected new utterance t-1-seg-2, got %s", next)
	}
}

func TestTracker_FinalWithoutPartials(t *testing.T) {
	tr := NewTracker("t-1")
	id, seq := tr.Final()
	if id != "t-1-seg-1" || seq != 1 {
		t.Errorf("unexpected (%s, %d)", id, seq)
	}
	id, seq = tr.Final()
	if id != "t-1-seg-2" || seq != 2 {
		t.Errorf("unexpected (%s, %d)", id, seq)
	}
}

func TestTracker_Drop(t *testing.T) {
	tr := NewTracker("t-1")
	if _, ok := tr.Drop(); ok {
		t.Error("nothing open, drop should report false")
	}

	open := tr.Partial()
	id, ok := tr.Drop()
	if !ok || id != open {
		t.Fatalf("expected to drop %s, got %s %v", open, id, ok)
	}
	if _, ok := tr.Drop(); ok {
		t.Error("second drop should report false")
	}
	if tr.State() != StateDropped {
		t.Errorf("expected DROPPED, got %s", tr.State())
	}

	// Dropped utterances consume an id but not a sequence number.
	id, seq := tr.Final()
	if id != "t-1-seg-2" || seq != 1 {
		t.Errorf("unexpected (%s, %d)", id, seq)
	}
	finals, dropped := tr.Counts()
	if finals != 1 || dropped != 1 {
		t.Errorf("expected 1 final and 1 drop, got %d and %d", finals, dropped)
	}
}

func TestTracker_ConcurrentFinals(t *testing.T) {
	tr := NewTracker("t-1")
	const n = 100

	var wg sync.WaitGroup
	seqs := make(chan int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, seq := tr.Final()
			seqs <- seq
		}()
	}
	wg.Wait()
	close(seqs)

	seen := make(map[int]bool)
	for s := range seqs {
		if seen[s] {
			t.Fatalf("duplicate sequence %d", s)
		}
		seen[s] = true
	}
	if len(seen) != n {
		t.Errorf("expected %d sequences, got %d", n, len(seen))
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateIdle, "IDLE"},
		{StateOpen, "OPEN"},
		{StateFinal, "FINAL"},
		{StateDropped, "DROPPED"},
		{State(99), "UNKNOWN(99)"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
