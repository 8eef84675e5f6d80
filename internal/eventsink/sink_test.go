package eventsink

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/proctorsfu/core/internal/sfu"
)

func TestBackoffForClassifiesErrors(t *testing.T) {
	if got := backoffFor(&nonceError{message: "x"}); got != nonceBackoff {
		t.Errorf("nonce backoff = %v, want %v", got, nonceBackoff)
	}
	if got := backoffFor(&transportError{err: errors.New("x")}); got != transportBackoff {
		t.Errorf("transport backoff = %v, want %v", got, transportBackoff)
	}
	if got := backoffFor(errors.New("other")); got != genericBackoff {
		t.Errorf("generic backoff = %v, want %v", got, genericBackoff)
	}
}

func TestSinkMarkRoomReadyIsIdempotent(t *testing.T) {
	s := New(nil, nil, 0, zap.NewNop())
	s.markRoomReady("room1")
	s.markRoomReady("room1") // must not panic on double-close
	select {
	case <-s.roomReadyChan("room1"):
	case <-time.After(time.Second):
		t.Fatal("expected room1's ready channel to already be closed")
	}
}

func TestSinkSubmitDeliversToLedger(t *testing.T) {
	recorded := make(chan sfu.Event, 1)
	s := New(recordingLedger{recorded}, nil, 0, zap.NewNop())
	s.Submit(sfu.Event{Kind: sfu.EventRoomCreated, DependencyKey: "room:abc", RoomID: "abc"})
	select {
	case e := <-recorded:
		if e.RoomID != "abc" {
			t.Errorf("got room id %q, want abc", e.RoomID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event was never submitted to the ledger")
	}
}

type recordingLedger struct {
	ch chan sfu.Event
}

func (l recordingLedger) Submit(e sfu.Event) error {
	l.ch <- e
	return nil
}
