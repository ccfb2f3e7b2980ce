package pipeline

import (
	"fmt"

	"github.com/forgeline/reqforge/internal/urs"
)

// stateOrder positions each non-failed state on the forward path.
// FAILED is deliberately absent: nothing runs from it.
var stateOrder = map[urs.State]int{
	urs.StateCreated:           0,
	urs.StateChunked:           1,
	urs.StateNormalized:        2,
	urs.StateQuestionsPending:  3,
	urs.StateAnswersReceived:   4,
	urs.StateDocumentGenerated: 5,
	urs.StateQAComplete:        6,
	urs.StateApproved:          7,
}

// reached reports whether s has advanced to or past target.
func reached(s, target urs.State) bool {
	a, aok := stateOrder[s]
	b, bok := stateOrder[target]
	return aok && bok && a >= b
}

// guard rejects a stage call unless the session is in one of the given
// states. Cancelled sessions reject every stage call.
func guard(sess *urs.Session, op string, from ...urs.State) error {
	if sess.Cancelled {
		return fmt.Errorf("session %s: %w", sess.ID, urs.ErrCancelled)
	}
	for _, s := range from {
		if sess.State == s {
			return nil
		}
	}
	return &urs.StateError{SessionID: sess.ID, From: sess.State, Requested: op}
}
