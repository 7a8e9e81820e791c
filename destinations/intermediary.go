package destinations

import (
	"context"

	atxp "github.com/atxp-dev/atxp-go"
)

// Intermediary resolves options settled through an external settlement
// path (e.g. a card-rail intermediary). The accounts service is asked for
// a single concrete destination for the target amount and currency.
type Intermediary struct {
	accounts *AccountsClient
	networks []atxp.Network
}

// NewIntermediary creates an intermediary resolver for the given networks.
// With no networks it defaults to "stripe".
func NewIntermediary(accounts *AccountsClient, networks ...atxp.Network) *Intermediary {
	if len(networks) == 0 {
		networks = []atxp.Network{atxp.NetworkStripe}
	}
	return &Intermediary{accounts: accounts, networks: networks}
}

func (i *Intermediary) Networks() []atxp.Network {
	return i.networks
}

// Resolve negotiates one concrete destination with the accounts service.
func (i *Intermediary) Resolve(ctx context.Context, option atxp.PaymentOption, paymentRequestID string) ([]atxp.Destination, error) {
	accountID, err := atxp.ParseAccountID(option.Address)
	if err != nil {
		return nil, err
	}

	negotiated, err := i.accounts.NegotiateDestination(ctx, accountID, paymentRequestID, option.Amount, option.Currency)
	if err != nil {
		return nil, err
	}

	return []atxp.Destination{{
		Chain:    negotiated.Network,
		Currency: negotiated.Currency,
		Address:  negotiated.Address,
		Amount:   option.Amount,
	}}, nil
}
