package escrow

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/fineme/server/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripe "github.com/stripe/stripe-go"
	"github.com/stripe/stripe-go/client"
	"github.com/stripe/stripe-go/form"
)

type call struct {
	method string
	path   string
	params stripe.ParamsContainer
}

// fakeBackend answers the Stripe calls escrow makes and refuses refunds
// larger than what a payment intent still holds.
type fakeBackend struct {
	mu      sync.Mutex
	calls   []call
	held    map[string]int64
	seq     int
	failPI  bool
	refunds int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{held: make(map[string]int64)}
}

func (b *fakeBackend) Call(method, path, key string, params stripe.ParamsContainer, v interface{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, call{method: method, path: path, params: params})

	switch out := v.(type) {
	case *stripe.Customer:
		out.ID = "cus_1"
	case *stripe.PaymentIntent:
		if method == http.MethodGet {
			out.ID = strings.TrimPrefix(path, "/v1/payment_intents/")
			out.Customer = &stripe.Customer{ID: "cus_1"}
			return nil
		}
		if b.failPI {
			return errors.New("card declined")
		}
		b.seq++
		p := params.(*stripe.PaymentIntentParams)
		out.ID = fmt.Sprintf("pi_%d", b.seq)
		out.ClientSecret = out.ID + "_secret"
		out.Status = stripe.PaymentIntentStatusRequiresPaymentMethod
		b.held[out.ID] = *p.Amount
	case *stripe.Refund:
		p := params.(*stripe.RefundParams)
		pi := *p.PaymentIntent
		if *p.Amount > b.held[pi] {
			return fmt.Errorf("refund of %d exceeds %d held on %s", *p.Amount, b.held[pi], pi)
		}
		b.held[pi] -= *p.Amount
		b.refunds++
		out.ID = fmt.Sprintf("re_%d", b.refunds)
	}
	return nil
}

func (b *fakeBackend) CallRaw(method, path, key string, body *form.Values, params *stripe.Params, v interface{}) error {
	return errors.New("not implemented")
}

func (b *fakeBackend) CallMultipart(method, path, key, boundary string, body *bytes.Buffer, params *stripe.Params, v interface{}) error {
	return errors.New("not implemented")
}

func (b *fakeBackend) SetMaxNetworkRetries(int) {}

func newTestStripe() (*Stripe, *fakeBackend) {
	b := newFakeBackend()
	return newStripe(client.New("sk_test_123", &stripe.Backends{API: b, Connect: b, Uploads: b}), nil), b
}

func TestCents(t *testing.T) {
	assert.Equal(t, int64(5000), Cents(50))
	assert.Equal(t, int64(0), Cents(0))
}

func TestStripeDeposit(t *testing.T) {
	s, b := newTestStripe()

	dep, err := s.Deposit(context.Background(), models.Commitment{UserID: "uid-1", Name: "Alex", StakeAmount: 20})
	require.NoError(t, err)
	assert.NotEmpty(t, dep.ID)
	assert.Equal(t, 20, dep.Amount)
	assert.Equal(t, "pi_1", dep.PaymentIntentID)
	assert.Equal(t, "pi_1_secret", dep.ClientSecret)

	require.Len(t, b.calls, 2)
	assert.Equal(t, "/v1/customers", b.calls[0].path)
	cus := b.calls[0].params.(*stripe.CustomerParams)
	assert.Equal(t, "Alex", *cus.Name)
	assert.Equal(t, "uid-1", cus.Metadata["user_id"])

	assert.Equal(t, "/v1/payment_intents", b.calls[1].path)
	pi := b.calls[1].params.(*stripe.PaymentIntentParams)
	assert.Equal(t, int64(2000), *pi.Amount)
	assert.Equal(t, "usd", *pi.Currency)
	assert.Equal(t, "cus_1", *pi.Customer)
	assert.Equal(t, "uid-1", pi.Metadata["user_id"])
}

func TestStripeRaiseThenLowerStake(t *testing.T) {
	s, b := newTestStripe()
	ctx := context.Background()

	first, err := s.Deposit(ctx, models.Commitment{UserID: "uid-1", StakeAmount: 20})
	require.NoError(t, err)
	held := []models.StakeDeposit{first}

	changed, err := s.Adjust(ctx, held, "uid-1", 30)
	require.NoError(t, err)
	require.Len(t, changed, 1)
	assert.Equal(t, 30, changed[0].Amount)
	assert.Equal(t, "pi_2", changed[0].PaymentIntentID)
	assert.Equal(t, "pi_2_secret", changed[0].ClientSecret)
	held = Merge(held, changed)
	assert.Equal(t, 50, Held(held))

	// 50 -> 10 draws 30 from the increase and 10 from the first payment.
	changed, err = s.Adjust(ctx, held, "uid-1", -40)
	require.NoError(t, err)
	require.Len(t, changed, 2)
	held = Merge(held, changed)
	assert.Equal(t, 10, Held(held))
	assert.Equal(t, int64(0), b.held["pi_2"])
	assert.Equal(t, int64(1000), b.held["pi_1"])

	last := b.calls[len(b.calls)-1].params.(*stripe.RefundParams)
	assert.Equal(t, "pi_1", *last.PaymentIntent)
	assert.Equal(t, int64(1000), *last.Amount)
}

func TestStripeRefundNeedsDeposit(t *testing.T) {
	s, b := newTestStripe()

	_, err := s.Adjust(context.Background(), nil, "uid-1", -10)
	assert.Equal(t, ErrNoDeposit, err)

	_, err = s.Adjust(context.Background(), []models.StakeDeposit{{ID: "d1", Amount: 5, PaymentIntentID: "pi_9"}}, "uid-1", -10)
	assert.Equal(t, ErrNoDeposit, err)

	changed, err := s.Adjust(context.Background(), []models.StakeDeposit{{ID: "d1", Amount: 10}}, "uid-1", 0)
	require.NoError(t, err)
	assert.Empty(t, changed)
	assert.Empty(t, b.calls)
}

func TestStripeChargeFailure(t *testing.T) {
	s, b := newTestStripe()
	b.failPI = true

	changed, err := s.Adjust(context.Background(), []models.StakeDeposit{{ID: "d1", Amount: 10, PaymentIntentID: "pi_9"}}, "uid-1", 15)
	assert.Error(t, err)
	assert.Empty(t, changed)
}

func TestNoopTracksAmounts(t *testing.T) {
	var e Escrow = Noop{}
	ctx := context.Background()

	dep, err := e.Deposit(ctx, models.Commitment{UserID: "uid-1", StakeAmount: 20})
	require.NoError(t, err)
	assert.Equal(t, 20, dep.Amount)
	held := []models.StakeDeposit{dep}

	changed, err := e.Adjust(ctx, held, "uid-1", 30)
	require.NoError(t, err)
	require.Len(t, changed, 1)
	assert.Equal(t, 30, changed[0].Amount)
	held = Merge(held, changed)
	assert.Equal(t, 50, Held(held))
	assert.Equal(t, changed[0].ID, held[0].ID)

	changed, err = e.Adjust(ctx, held, "uid-1", -50)
	require.NoError(t, err)
	held = Merge(held, changed)
	assert.Equal(t, 0, Held(held))
	assert.Len(t, held, 2)
}
