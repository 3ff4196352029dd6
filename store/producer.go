package store

import "time"

// ProducerResult classifies the outcome of producer validation.
type ProducerResult int

const (
	ProducerResultNone      ProducerResult = iota // no producer headers
	ProducerResultAccepted                        // new data accepted
	ProducerResultDuplicate                       // duplicate, replay stored offset
)

// ProducerDecision is the outcome of evaluating a producer triple
// against stored state.
type ProducerDecision struct {
	Result   ProducerResult
	NewState *ProducerState // set when the append should persist new state

	// Error context for the handler's response headers
	CurrentEpoch int64  // on ErrStaleEpoch
	ExpectedSeq  int64  // on ErrProducerSeqGap
	ReceivedSeq  int64  // on ErrProducerSeqGap
	LastSeq      int64  // highest accepted seq (duplicates and success)
	LastOffset   uint64 // stored offset to echo on duplicates
}

// EvaluateProducer applies the idempotency table to a request triple.
// state is nil when the producer has no stored state (or it aged out).
//
//	no state, seq != 0            -> ErrProducerFirstSeq (400)
//	no state, seq == 0            -> accepted, fresh state
//	epoch < stored                -> ErrStaleEpoch (403)
//	epoch > stored, seq != 0      -> ErrInvalidEpochSeq (400)
//	epoch > stored, seq == 0      -> accepted, fresh epoch
//	epoch == stored, seq <= last  -> duplicate (204 replay)
//	epoch == stored, seq == last+1-> accepted
//	epoch == stored, otherwise    -> ErrProducerSeqGap (409)
func EvaluateProducer(state *ProducerState, triple ProducerTriple) (ProducerDecision, error) {
	now := time.Now().Unix()

	if state == nil {
		if triple.Seq != 0 {
			return ProducerDecision{ReceivedSeq: triple.Seq}, ErrProducerFirstSeq
		}
		return ProducerDecision{
			Result: ProducerResultAccepted,
			NewState: &ProducerState{
				Epoch:       triple.Epoch,
				LastSeq:     0,
				LastUpdated: now,
			},
		}, nil
	}

	if triple.Epoch < state.Epoch {
		return ProducerDecision{CurrentEpoch: state.Epoch}, ErrStaleEpoch
	}

	if triple.Epoch > state.Epoch {
		if triple.Seq != 0 {
			return ProducerDecision{}, ErrInvalidEpochSeq
		}
		return ProducerDecision{
			Result: ProducerResultAccepted,
			NewState: &ProducerState{
				Epoch:       triple.Epoch,
				LastSeq:     0,
				LastUpdated: now,
			},
		}, nil
	}

	// Same epoch
	if triple.Seq <= state.LastSeq {
		return ProducerDecision{
			Result:     ProducerResultDuplicate,
			LastSeq:    state.LastSeq,
			LastOffset: state.LastOffset,
		}, nil
	}
	if triple.Seq == state.LastSeq+1 {
		return ProducerDecision{
			Result:  ProducerResultAccepted,
			LastSeq: triple.Seq,
			NewState: &ProducerState{
				Epoch:       triple.Epoch,
				LastSeq:     triple.Seq,
				LastUpdated: now,
			},
		}, nil
	}
	return ProducerDecision{
		ExpectedSeq: state.LastSeq + 1,
		ReceivedSeq: triple.Seq,
	}, ErrProducerSeqGap
}

// producerStateFresh reports whether stored state is still within its
// inactivity TTL.
func producerStateFresh(state *ProducerState) bool {
	if state == nil {
		return false
	}
	age := time.Since(time.Unix(state.LastUpdated, 0))
	return age <= ProducerStateTTL
}
