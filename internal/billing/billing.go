// Package billing verifies, debits and credits user balances.
//
// Spend draws from the subscription balance first and the remainder from
// the regular balance. Refunds always credit the regular balance, even when
// the original spend drew from the subscription balance.
//
// Verify does not reserve funds. Two tasks submitted concurrently by the
// same user can both pass Verify before either Spend lands, which can leave
// the balance negative. Callers must still always Verify before Spend.
package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/store"
)

// ErrInsufficientFunds is returned when a user cannot afford a task.
var ErrInsufficientFunds = errors.New("insufficient funds")

// InsufficientFundsError carries the figures behind a failed balance check.
type InsufficientFundsError struct {
	User      string
	Required  float64
	Available float64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: user %s needs %.2f, has %.2f", e.User, e.Required, e.Available)
}

func (e *InsufficientFundsError) Unwrap() error {
	return ErrInsufficientFunds
}

var (
	mannaSpent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kiln_manna_spent_total",
		Help: "Total manna debited from user ledgers.",
	})

	mannaRefunded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kiln_manna_refunded_total",
		Help: "Total manna refunded to user ledgers.",
	})

	insufficientFunds = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kiln_insufficient_funds_total",
		Help: "Total balance checks that failed.",
	})
)

func init() {
	prometheus.MustRegister(mannaSpent)
	prometheus.MustRegister(mannaRefunded)
	prometheus.MustRegister(insufficientFunds)
}

// Ledger applies balance operations against a LedgerStore. Every mutation is
// a single atomic increment or decrement in the store.
type Ledger struct {
	store store.LedgerStore
	log   logrus.FieldLogger
}

// New creates a Ledger backed by s.
func New(s store.LedgerStore, log logrus.FieldLogger) *Ledger {
	return &Ledger{store: s, log: log.WithField("component", "billing")}
}

// Balance returns the user's current ledger.
func (l *Ledger) Balance(ctx context.Context, user string) (*model.Ledger, error) {
	return l.store.GetLedger(ctx, user)
}

// Verify fails with ErrInsufficientFunds if the user's combined balances are
// below amount. It is read-only.
func (l *Ledger) Verify(ctx context.Context, user string, amount float64) error {
	entry, err := l.store.GetLedger(ctx, user)
	if err != nil {
		return fmt.Errorf("verify balance: %w", err)
	}
	if entry.Available() < amount {
		insufficientFunds.Inc()
		return &InsufficientFundsError{User: user, Required: amount, Available: entry.Available()}
	}
	return nil
}

// Spend debits amount, subscription balance first. Zero is a no-op.
func (l *Ledger) Spend(ctx context.Context, user string, amount float64) error {
	if amount == 0 {
		return nil
	}
	if err := l.store.DebitLedger(ctx, user, amount); err != nil {
		return fmt.Errorf("spend: %w", err)
	}
	mannaSpent.Add(amount)
	l.log.WithFields(logrus.Fields{"user": user, "amount": amount}).Info("manna spent")
	return nil
}

// Refund credits amount to the regular balance. Zero is a no-op.
func (l *Ledger) Refund(ctx context.Context, user string, amount float64) error {
	if amount == 0 {
		return nil
	}
	if err := l.store.CreditLedger(ctx, user, amount, 0); err != nil {
		return fmt.Errorf("refund: %w", err)
	}
	mannaRefunded.Add(amount)
	l.log.WithFields(logrus.Fields{"user": user, "amount": amount}).Info("manna refunded")
	return nil
}

// Grant tops up a user's balances. It is an administrative operation and is
// not counted as a refund.
func (l *Ledger) Grant(ctx context.Context, user string, balance, subscription float64) error {
	if balance < 0 || subscription < 0 {
		return fmt.Errorf("grant: negative amount")
	}
	if balance == 0 && subscription == 0 {
		return nil
	}
	if err := l.store.CreditLedger(ctx, user, balance, subscription); err != nil {
		return fmt.Errorf("grant: %w", err)
	}
	l.log.WithFields(logrus.Fields{
		"user":         user,
		"balance":      balance,
		"subscription": subscription,
	}).Info("manna granted")
	return nil
}
