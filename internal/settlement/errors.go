package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/mbd888/assured/internal/circuitbreaker"
	"github.com/mbd888/assured/internal/escrow"
	"github.com/mbd888/assured/internal/ledger"
	"github.com/mbd888/assured/internal/paywall"
)

var rejectedErrs = []error{
	escrow.ErrCallNotFound,
	escrow.ErrUnauthorized,
	ErrReceiptMismatch,
}

var transitionErrs = []error{
	escrow.ErrCallExists,
	escrow.ErrInvalidStatus,
	escrow.ErrInvalidAmount,
	escrow.ErrInvalidRequest,
	escrow.ErrInvalidUnits,
	escrow.ErrUnitsExceeded,
	escrow.ErrSignatureTooLong,
	escrow.ErrInvalidEvidence,
	escrow.ErrDisputeWindowClosed,
	escrow.ErrDisputeWindowOpen,
}

func isAny(err error, targets []error) bool {
	for _, t := range targets {
		if errors.Is(err, t) {
			return true
		}
	}
	return false
}

// isTransient reports whether a ledger call may succeed if repeated.
// Contract rejections and cancellation are final.
func isTransient(err error) bool {
	switch {
	case err == nil:
		return false
	case isAny(err, rejectedErrs), isAny(err, transitionErrs):
		return false
	case errors.Is(err, ledger.ErrInsufficientBalance), errors.Is(err, circuitbreaker.ErrOpen):
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

func isWindowOpen(err error) bool {
	return errors.Is(err, escrow.ErrDisputeWindowOpen)
}

// classify maps executor errors onto the paywall taxonomy.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case isAny(err, rejectedErrs):
		return fmt.Errorf("%w: %v", paywall.ErrPaymentRejected, err)
	case isAny(err, transitionErrs):
		return fmt.Errorf("%w: %v", paywall.ErrInvalidTransition, err)
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return fmt.Errorf("%w: %v", paywall.ErrInsufficientFunds, err)
	}
	return fmt.Errorf("%w: %v", paywall.ErrLedgerUnavailable, err)
}
