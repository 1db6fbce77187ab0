package dispensing

import (
	"errors"
	"fmt"
)

var (
	ErrUnmatchedMedicine = errors.New("medicine is not matched to any stock item")
	ErrNoOpDispensation  = errors.New("nothing to dispense")
	ErrAmbiguousBrand    = errors.New("brand selection required")
	ErrInvalidQuantity   = errors.New("invalid dispense quantity")
	ErrUnknownBrand      = errors.New("brand is not one of the candidates")
	ErrInvalidTransition = errors.New("operation not allowed in current session state")
	ErrLineIndex         = errors.New("prescription line index out of range")
	ErrSessionNotFound   = errors.New("dispensation session not found")
	ErrSessionExists     = errors.New("visit already has an open dispensation session")
)

// AmbiguousBrandError names the first line still waiting for a brand choice.
type AmbiguousBrandError struct {
	Index      int
	Generic    string
	Candidates []string
}

func (e *AmbiguousBrandError) Error() string {
	return fmt.Sprintf("line %d (%s): choose one of %d brands", e.Index, e.Generic, len(e.Candidates))
}

func (e *AmbiguousBrandError) Is(target error) bool {
	return target == ErrAmbiguousBrand
}
