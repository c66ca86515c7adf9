package payments

import (
	"context"
	"math"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
)

// Intent is what the payment-confirmation step needs: the client secret goes
// to the card form, the id stays on the booking for later cancellation.
type Intent struct {
	IntentID     string
	ClientSecret string
}

// Gateway creates and cancels payment intents. Confirmation happens
// client-side; the outcome is reported back through the orchestrator.
type Gateway interface {
	CreateIntent(ctx context.Context, amount float64, currency string) (Intent, error)
	CancelIntent(ctx context.Context, intentID string) error
}

// StripeGateway is a thin wrapper around stripe-go PaymentIntents.
type StripeGateway struct{}

// NewStripeGateway initializes the stripe client with the given API key.
func NewStripeGateway(apiKey string) *StripeGateway {
	stripe.Key = apiKey
	return &StripeGateway{}
}

func (s *StripeGateway) CreateIntent(ctx context.Context, amount float64, currency string) (Intent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(int64(math.Round(amount * 100))),
		Currency: stripe.String(currency),
	}
	pi, err := paymentintent.New(params)
	if err != nil {
		return Intent{}, err
	}
	return Intent{IntentID: pi.ID, ClientSecret: pi.ClientSecret}, nil
}

func (s *StripeGateway) CancelIntent(ctx context.Context, intentID string) error {
	_, err := paymentintent.Cancel(intentID, nil)
	return err
}
