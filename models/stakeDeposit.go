package models

import stripe "github.com/stripe/stripe-go"

// StakeDeposit is one stake payment held by the payment provider. Amount is
// what the payment still holds after refunds.
type StakeDeposit struct {
	ID              string                     `json:"id"`
	UserID          string                     `json:"userId"`
	Amount          int                        `json:"amount"`
	PaymentIntentID string                     `json:"paymentIntentId"`
	ClientSecret    string                     `json:"clientSecret,omitempty"`
	Status          stripe.PaymentIntentStatus `json:"status"`
}
