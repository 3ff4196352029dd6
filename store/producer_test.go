package store

import (
	"errors"
	"testing"
	"time"
)

func TestEvaluateProducerNewProducer(t *testing.T) {
	t.Run("first seq must be zero", func(t *testing.T) {
		_, err := EvaluateProducer(nil, ProducerTriple{ID: "p", Epoch: 0, Seq: 3})
		if !errors.Is(err, ErrProducerFirstSeq) {
			t.Fatalf("want ErrProducerFirstSeq, got %v", err)
		}
	})
	t.Run("seq zero accepted", func(t *testing.T) {
		d, err := EvaluateProducer(nil, ProducerTriple{ID: "p", Epoch: 2, Seq: 0})
		if err != nil {
			t.Fatal(err)
		}
		if d.Result != ProducerResultAccepted {
			t.Error("want accepted")
		}
		if d.NewState == nil || d.NewState.Epoch != 2 || d.NewState.LastSeq != 0 {
			t.Errorf("unexpected new state %+v", d.NewState)
		}
	})
}

func TestEvaluateProducerEpochs(t *testing.T) {
	state := &ProducerState{Epoch: 5, LastSeq: 9, LastOffset: 42, LastUpdated: time.Now().Unix()}

	t.Run("stale epoch fenced", func(t *testing.T) {
		d, err := EvaluateProducer(state, ProducerTriple{ID: "p", Epoch: 4, Seq: 0})
		if !errors.Is(err, ErrStaleEpoch) {
			t.Fatalf("want ErrStaleEpoch, got %v", err)
		}
		if d.CurrentEpoch != 5 {
			t.Errorf("CurrentEpoch = %d, want 5", d.CurrentEpoch)
		}
	})

	t.Run("new epoch must start at zero", func(t *testing.T) {
		_, err := EvaluateProducer(state, ProducerTriple{ID: "p", Epoch: 6, Seq: 1})
		if !errors.Is(err, ErrInvalidEpochSeq) {
			t.Fatalf("want ErrInvalidEpochSeq, got %v", err)
		}
	})

	t.Run("new epoch at zero accepted", func(t *testing.T) {
		d, err := EvaluateProducer(state, ProducerTriple{ID: "p", Epoch: 6, Seq: 0})
		if err != nil {
			t.Fatal(err)
		}
		if d.Result != ProducerResultAccepted || d.NewState.Epoch != 6 {
			t.Errorf("unexpected decision %+v", d)
		}
	})
}

func TestEvaluateProducerSameEpoch(t *testing.T) {
	state := &ProducerState{Epoch: 1, LastSeq: 4, LastOffset: 99, LastUpdated: time.Now().Unix()}

	t.Run("duplicate replays stored offset", func(t *testing.T) {
		for _, seq := range []int64{0, 3, 4} {
			d, err := EvaluateProducer(state, ProducerTriple{ID: "p", Epoch: 1, Seq: seq})
			if err != nil {
				t.Fatal(err)
			}
			if d.Result != ProducerResultDuplicate {
				t.Errorf("seq %d: want duplicate", seq)
			}
			if d.LastOffset != 99 || d.LastSeq != 4 {
				t.Errorf("seq %d: echo = (%d, %d), want (99, 4)", seq, d.LastOffset, d.LastSeq)
			}
		}
	})

	t.Run("next seq accepted", func(t *testing.T) {
		d, err := EvaluateProducer(state, ProducerTriple{ID: "p", Epoch: 1, Seq: 5})
		if err != nil {
			t.Fatal(err)
		}
		if d.Result != ProducerResultAccepted || d.NewState.LastSeq != 5 {
			t.Errorf("unexpected decision %+v", d)
		}
	})

	t.Run("gap rejected with context", func(t *testing.T) {
		d, err := EvaluateProducer(state, ProducerTriple{ID: "p", Epoch: 1, Seq: 7})
		if !errors.Is(err, ErrProducerSeqGap) {
			t.Fatalf("want ErrProducerSeqGap, got %v", err)
		}
		if d.ExpectedSeq != 5 || d.ReceivedSeq != 7 {
			t.Errorf("gap context = (%d, %d), want (5, 7)", d.ExpectedSeq, d.ReceivedSeq)
		}
	})
}

func TestProducerStateFresh(t *testing.T) {
	fresh := &ProducerState{LastUpdated: time.Now().Unix()}
	if !producerStateFresh(fresh) {
		t.Error("recent state should be fresh")
	}
	stale := &ProducerState{LastUpdated: time.Now().Add(-8 * 24 * time.Hour).Unix()}
	if producerStateFresh(stale) {
		t.Error("state past the TTL should be stale")
	}
	if producerStateFresh(nil) {
		t.Error("nil state is never fresh")
	}
}
