/**
 * @description
 * Application-level error types surfaced by the deduction gate and grant
 * engine. InsufficientCreditsError carries the current balance and the
 * required cost so the UI can always tell the user both numbers when blocking
 * a metered action.
 *
 * @dependencies
 * - errors, fmt: Standard Go libraries.
 */

package app

import (
	"errors"
	"fmt"
)

var (
	// ErrInsufficientCredits is the sentinel matched by errors.Is against an
	// InsufficientCreditsError.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrUnknownAction is returned for unlisted actions when the policy is
	// configured fail-closed.
	ErrUnknownAction = errors.New("unknown metered action")

	// ErrUnknownPack is returned when a payment event references a pack id
	// that is not in the catalog.
	ErrUnknownPack = errors.New("unknown credit pack")
)

// InsufficientCreditsError reports a rejected charge together with the
// figures the user needs to decide whether to top up.
type InsufficientCreditsError struct {
	Balance  int64
	Required int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: balance=%d required=%d", e.Balance, e.Required)
}

// Is lets errors.Is(err, ErrInsufficientCredits) match the typed error.
func (e *InsufficientCreditsError) Is(target error) bool {
	return target == ErrInsufficientCredits
}
