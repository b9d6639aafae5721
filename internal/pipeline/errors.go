package pipeline

import (
	"github.com/cockroachdb/errors"

	"github.com/gateway-fm/settleload/internal/settlement"
	"github.com/gateway-fm/settleload/pkg/types"
)

var (
	// ErrInvalidAmount marks a request with a non-positive amount.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrDuplicate marks a request whose id was already accepted.
	ErrDuplicate = errors.New("duplicate request id")

	// ErrUnknownParticipant marks a request whose sender or receiver is not
	// in the account pool.
	ErrUnknownParticipant = errors.New("unknown participant")

	// ErrSettlementFailed marks a transfer the settlement service rejected.
	// The service error stays in the chain.
	ErrSettlementFailed = errors.New("settlement failed")

	// ErrQueueClosed is returned by Receive once the queue is closed and
	// drained, or when no request arrived within the timeout. It ends the
	// worker that observes it and is not a failure.
	ErrQueueClosed = errors.New("work queue closed")
)

// RejectionReason maps a worker rejection to its metrics label.
func RejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidAmount):
		return types.ReasonInvalidAmount
	case errors.Is(err, ErrDuplicate):
		return types.ReasonDuplicate
	case errors.Is(err, ErrUnknownParticipant):
		return types.ReasonUnknownParticipant
	case settlement.IsInsufficientFunds(err):
		return types.ReasonInsufficientFunds
	default:
		return types.ReasonSettlementFailed
	}
}

// RejectionReasons lists every label RejectionReason can return.
var RejectionReasons = []string{
	types.ReasonInvalidAmount,
	types.ReasonDuplicate,
	types.ReasonUnknownParticipant,
	types.ReasonInsufficientFunds,
	types.ReasonSettlementFailed,
}
