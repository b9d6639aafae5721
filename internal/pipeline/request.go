package pipeline

import (
	"log/slog"

	"github.com/google/uuid"

	"github.com/gateway-fm/settleload/internal/settlement"
)

// TransferRequest is a synthesized instruction to move Amount from Sender to
// Receiver. It is never persisted or retried.
type TransferRequest struct {
	ID       uuid.UUID
	Sender   settlement.Address
	Receiver settlement.Address
	Amount   settlement.Amount
}

// LogAttrs returns the attributes every rejection log line carries.
func (r TransferRequest) LogAttrs() []any {
	return []any{
		slog.String("id", r.ID.String()),
		slog.Int64("amount", int64(r.Amount)),
		slog.String("sender", r.Sender.String()),
		slog.String("receiver", r.Receiver.String()),
	}
}
