package payment

// Decision is the outcome of classifying a transaction against an order.
type Decision struct {
	Classification Classification
	Requested      Amount // what the order expected; zero when unmatched
	Paid           Amount
	FromRequest    bool // Requested came from the correlated pending request
}

// Classify decides how a transaction relates to its candidate order.
//
// Only an exact match on what was asked for may settle automatically.
// Anything else (short, over, or a payment against a settled order) needs a
// human to decide how to apply it. A nil order means nothing correlated.
//
// A settled order keeps its pending request so a late prompt still finds its
// order, but nothing more is owed: any payment against it is a mismatch.
func Classify(t Transaction, o *Order) Decision {
	d := Decision{Paid: t.AmountPaid}
	if o == nil {
		d.Classification = ClassUnmatched
		return d
	}
	if o.RemainingBalance.IsZero() {
		d.Classification = ClassMismatch
		return d
	}

	d.Requested = o.RemainingBalance
	if pr := o.PendingRequest; pr != nil && t.CorrelationID != "" && pr.ProviderCheckoutID == t.CorrelationID {
		d.Requested = pr.RequestedAmount
		d.FromRequest = true
	}

	if d.Paid.Equal(d.Requested) {
		d.Classification = ClassExact
	} else {
		d.Classification = ClassMismatch
	}
	return d
}
