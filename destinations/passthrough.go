package destinations

import (
	"context"

	atxp "github.com/atxp-dev/atxp-go"
)

// Passthrough handles options that already name a concrete chain address.
type Passthrough struct {
	networks []atxp.Network
}

// NewPassthrough creates a passthrough resolver for the given networks.
// With no networks it covers every concrete chain network.
func NewPassthrough(networks ...atxp.Network) *Passthrough {
	if len(networks) == 0 {
		networks = []atxp.Network{
			atxp.NetworkBase,
			atxp.NetworkEthereum,
			atxp.NetworkWorld,
			atxp.NetworkSolana,
		}
	}
	return &Passthrough{networks: networks}
}

func (p *Passthrough) Networks() []atxp.Network {
	return p.networks
}

// Resolve emits the option unchanged as a single destination.
func (p *Passthrough) Resolve(_ context.Context, option atxp.PaymentOption, _ string) ([]atxp.Destination, error) {
	return []atxp.Destination{{
		Chain:    option.Network,
		Currency: option.Currency,
		Address:  option.Address,
		Amount:   option.Amount,
	}}, nil
}
