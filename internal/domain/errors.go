package domain

import "fmt"

// Negotiation stages reported by NegotiationError.
const (
	StagePeer   = "peer"
	StageOffer  = "offer"
	StageGather = "gather"
	StageSignal = "signal"
	StageAnswer = "answer"
)

// NegotiationError is any failure while building the connection, exchanging
// the offer or applying the answer.
type NegotiationError struct {
	Stage string
	Err   error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation failed at %s: %v", e.Stage, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }

// RecordingError is a failure to open or finalize a recording.
type RecordingError struct {
	Op  string
	Err error
}

func (e *RecordingError) Error() string {
	return fmt.Sprintf("recording %s: %v", e.Op, e.Err)
}

func (e *RecordingError) Unwrap() error { return e.Err }
