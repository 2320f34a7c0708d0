package payment

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// NewOrder is what the order-entry screen hands over when an order is
// created. SettledBase is money taken before the engine saw the order
// (cash at the counter).
type NewOrder struct {
	ID            OrderID
	CustomerName  string
	CustomerPhone string
	Total         Amount
	SettledBase   Amount
}

func (n NewOrder) validate() error {
	if strings.TrimSpace(string(n.ID)) == "" {
		return fmt.Errorf("%w: order id is required", ErrInvalidOrder)
	}
	if !n.Total.IsPositive() {
		return fmt.Errorf("%w: total must be positive, got %s", ErrInvalidOrder, n.Total)
	}
	if n.SettledBase.IsNegative() || n.SettledBase.GreaterThan(n.Total) {
		return fmt.Errorf("%w: settled base %s outside [0, %s]", ErrInvalidOrder, n.SettledBase, n.Total)
	}
	return nil
}

// RegisterOrder makes an order known to the engine so payments can find it.
func (e *Engine) RegisterOrder(ctx context.Context, n NewOrder) (Order, error) {
	n.ID = NormalizeOrderRef(string(n.ID))
	if err := n.validate(); err != nil {
		return Order{}, err
	}

	now := e.clock()
	o := Order{
		ID:               n.ID,
		CustomerName:     strings.TrimSpace(n.CustomerName),
		CustomerPhone:    strings.TrimSpace(n.CustomerPhone),
		TotalAmount:      n.Total,
		SettledBase:      n.SettledBase,
		RemainingBalance: n.Total.Sub(n.SettledBase),
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	o.PaymentStatus = o.balanceStatus()
	if err := o.Check(); err != nil {
		return Order{}, err
	}

	err := e.store.WithTx(ctx, func(tx Tx) error {
		if err := tx.InsertOrder(ctx, o); err != nil {
			return err
		}
		entry := newAuditEntry(now, AuditOrderRegistered, SystemActor()).
			withBalances(o.TotalAmount, o.RemainingBalance)
		entry.OrderID = o.ID
		entry.Metadata["total"] = o.TotalAmount.String()
		if o.SettledBase.IsPositive() {
			entry.Metadata["settled_base"] = o.SettledBase.String()
		}
		return tx.AppendAudit(ctx, entry)
	})
	if err != nil {
		return Order{}, err
	}

	e.logger.Info("order registered",
		zap.String("order_id", string(o.ID)),
		zap.String("total", o.TotalAmount.String()),
		zap.String("remaining", o.RemainingBalance.String()))
	return o, nil
}
