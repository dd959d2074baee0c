package coordinator

import (
	"errors"
	"fmt"

	"github.com/kiranshivaraju/gencoord/internal/pricing"
)

var (
	ErrNotFound            = errors.New("job not found")
	ErrUnauthenticated     = errors.New("no authenticated user")
	ErrSessionClosed       = errors.New("session closed")
	ErrNotTerminal         = errors.New("outcome status is not terminal")
	ErrTimeout             = errors.New("poll attempts exhausted")
	ErrUnknownTool         = pricing.ErrUnknownTool
	ErrInvalidInput        = pricing.ErrInvalidInput
	ErrInsufficientCredits = errors.New("insufficient credits")
)

// InsufficientCreditsError reports a submission the balance cannot cover.
// It matches ErrInsufficientCredits with errors.Is.
type InsufficientCreditsError struct {
	Required  int64
	Available int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: required %d, available %d", e.Required, e.Available)
}

func (e *InsufficientCreditsError) Is(target error) bool {
	return target == ErrInsufficientCredits
}
