// Package escrow moves stake money through the payment provider.
package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/fineme/server/models"
	"github.com/google/uuid"
	stripe "github.com/stripe/stripe-go"
	"github.com/stripe/stripe-go/client"
	"go.uber.org/zap"
)

var ErrNoDeposit = errors.New("not enough stake held to refund")

// Escrow holds the stake for a commitment. A StakeDeposit is one payment and
// its Amount is what that payment still holds after refunds.
type Escrow interface {
	// Deposit opens a payment for the full stake of c.
	Deposit(ctx context.Context, c models.Commitment) (models.StakeDeposit, error)
	// Adjust moves the stake held by held, newest first, by delta. A positive
	// delta is charged as a new deposit, a negative one is refunded across
	// held starting with the newest. It returns every deposit it created or
	// changed, also when it fails part way.
	Adjust(ctx context.Context, held []models.StakeDeposit, userID string, delta int) ([]models.StakeDeposit, error)
}

// Cents converts whole currency units to the provider's minor unit.
func Cents(amount int) int64 {
	return int64(amount) * 100
}

// Held sums what deposits still hold.
func Held(deposits []models.StakeDeposit) int {
	total := 0
	for _, d := range deposits {
		total += d.Amount
	}
	return total
}

// Merge applies changed to held, replacing deposits by id and putting new
// ones first.
func Merge(held, changed []models.StakeDeposit) []models.StakeDeposit {
	out := append([]models.StakeDeposit(nil), held...)
	for _, c := range changed {
		found := false
		for i := range out {
			if out[i].ID == c.ID {
				out[i] = c
				found = true
				break
			}
		}
		if !found {
			out = append([]models.StakeDeposit{c}, out...)
		}
	}
	return out
}

// refund takes amount from held, newest first, calling take for each
// deposit it draws on.
func refund(held []models.StakeDeposit, amount int, usable func(models.StakeDeposit) bool, take func(d models.StakeDeposit, n int) error) ([]models.StakeDeposit, error) {
	var changed []models.StakeDeposit
	for _, d := range held {
		if amount == 0 {
			break
		}
		if d.Amount <= 0 || !usable(d) {
			continue
		}
		n := min(d.Amount, amount)
		if err := take(d, n); err != nil {
			return changed, err
		}
		d.Amount -= n
		amount -= n
		changed = append(changed, d)
	}
	return changed, nil
}

type Stripe struct {
	api      *client.API
	currency stripe.Currency
	log      *zap.Logger
}

// NewStripe returns an Escrow backed by the Stripe API.
func NewStripe(key string, log *zap.Logger) *Stripe {
	return newStripe(client.New(key, nil), log)
}

func newStripe(api *client.API, log *zap.Logger) *Stripe {
	if log == nil {
		log = zap.NewNop()
	}
	return &Stripe{
		api:      api,
		currency: stripe.CurrencyUSD,
		log:      log,
	}
}

func (s *Stripe) Deposit(ctx context.Context, c models.Commitment) (models.StakeDeposit, error) {
	customerParams := &stripe.CustomerParams{
		Name: stripe.String(c.Name),
	}
	customerParams.Context = ctx
	customerParams.AddMetadata("user_id", c.UserID)

	cus, err := s.api.Customers.New(customerParams)
	if err != nil {
		return models.StakeDeposit{}, fmt.Errorf("create customer: %w", err)
	}

	return s.charge(ctx, cus.ID, c.UserID, c.StakeAmount, "Daily commitment stake")
}

func (s *Stripe) charge(ctx context.Context, customerID, userID string, amount int, description string) (models.StakeDeposit, error) {
	params := &stripe.PaymentIntentParams{
		Amount:      stripe.Int64(Cents(amount)),
		Currency:    stripe.String(string(s.currency)),
		Description: stripe.String(description),
	}
	if customerID != "" {
		params.Customer = stripe.String(customerID)
	}
	params.Context = ctx
	params.AddMetadata("user_id", userID)

	pi, err := s.api.PaymentIntents.New(params)
	if err != nil {
		return models.StakeDeposit{}, fmt.Errorf("create payment intent: %w", err)
	}

	s.log.Info("stake payment created",
		zap.String("user_id", userID),
		zap.String("payment_intent", pi.ID),
		zap.Int("amount", amount))

	return models.StakeDeposit{
		ID:              uuid.NewString(),
		UserID:          userID,
		Amount:          amount,
		PaymentIntentID: pi.ID,
		ClientSecret:    pi.ClientSecret,
		Status:          pi.Status,
	}, nil
}

// customer finds the customer of the newest payment in held.
func (s *Stripe) customer(ctx context.Context, held []models.StakeDeposit) string {
	for _, d := range held {
		if d.PaymentIntentID == "" {
			continue
		}
		params := &stripe.PaymentIntentParams{}
		params.Context = ctx
		pi, err := s.api.PaymentIntents.Get(d.PaymentIntentID, params)
		if err != nil {
			s.log.Warn("payment intent lookup failed", zap.String("payment_intent", d.PaymentIntentID), zap.Error(err))
			return ""
		}
		if pi.Customer != nil {
			return pi.Customer.ID
		}
		return ""
	}
	return ""
}

func (s *Stripe) Adjust(ctx context.Context, held []models.StakeDeposit, userID string, delta int) ([]models.StakeDeposit, error) {
	switch {
	case delta > 0:
		d, err := s.charge(ctx, s.customer(ctx, held), userID, delta, "Stake increase")
		if err != nil {
			return nil, err
		}
		return []models.StakeDeposit{d}, nil

	case delta < 0:
		refundable := func(d models.StakeDeposit) bool { return d.PaymentIntentID != "" }
		available := 0
		for _, d := range held {
			if refundable(d) && d.Amount > 0 {
				available += d.Amount
			}
		}
		if available < -delta {
			return nil, ErrNoDeposit
		}

		return refund(held, -delta, refundable, func(d models.StakeDeposit, n int) error {
			params := &stripe.RefundParams{
				PaymentIntent: stripe.String(d.PaymentIntentID),
				Amount:        stripe.Int64(Cents(n)),
			}
			params.Context = ctx
			if _, err := s.api.Refunds.New(params); err != nil {
				return fmt.Errorf("refund stake from %s: %w", d.PaymentIntentID, err)
			}
			s.log.Info("stake refunded",
				zap.String("user_id", userID),
				zap.String("payment_intent", d.PaymentIntentID),
				zap.Int("amount", n))
			return nil
		})
	}
	return nil, nil
}

// Noop records nothing with any provider. It is used when no payment key is
// configured.
type Noop struct {
	Log *zap.Logger
}

func (n Noop) Deposit(_ context.Context, c models.Commitment) (models.StakeDeposit, error) {
	n.logger().Warn("escrow disabled, stake not collected", zap.String("user_id", c.UserID), zap.Int("amount", c.StakeAmount))
	return models.StakeDeposit{ID: uuid.NewString(), UserID: c.UserID, Amount: c.StakeAmount}, nil
}

// Adjust never fails. A refund larger than what held records is cut short.
func (n Noop) Adjust(_ context.Context, held []models.StakeDeposit, userID string, delta int) ([]models.StakeDeposit, error) {
	n.logger().Warn("escrow disabled, stake change not collected", zap.String("user_id", userID), zap.Int("delta", delta))
	switch {
	case delta > 0:
		return []models.StakeDeposit{{ID: uuid.NewString(), UserID: userID, Amount: delta}}, nil
	case delta < 0:
		return refund(held, -delta,
			func(models.StakeDeposit) bool { return true },
			func(models.StakeDeposit, int) error { return nil })
	}
	return nil, nil
}

func (n Noop) logger() *zap.Logger {
	if n.Log == nil {
		return zap.NewNop()
	}
	return n.Log
}
