package model

// Ledger is a user's prepaid balance. Spending draws from
// SubscriptionBalance first; refunds always credit Balance.
type Ledger struct {
	User                string  `json:"user"`
	Balance             float64 `json:"balance"`
	SubscriptionBalance float64 `json:"subscription_balance"`
}

// Available returns the total spendable amount.
func (l *Ledger) Available() float64 {
	return l.Balance + l.SubscriptionBalance
}
