// Package destinations turns abstract payment options offered by a resource
// server into concrete chain+address targets, with ordered fallback across
// options.
package destinations

import (
	"context"
	"fmt"
	"log/slog"

	atxp "github.com/atxp-dev/atxp-go"
)

// Resolver converts one payment option into zero or more concrete
// destinations. Each resolver declares the network values it handles.
type Resolver interface {
	Networks() []atxp.Network
	Resolve(ctx context.Context, option atxp.PaymentOption, paymentRequestID string) ([]atxp.Destination, error)
}

// Chain dispatches options to resolvers by network, in the order the server
// offered them. The resolver table is fixed at construction; adding a
// network is a closed, reviewable change.
type Chain struct {
	logger    *slog.Logger
	resolvers map[atxp.Network]Resolver
}

// ChainOption configures a Chain.
type ChainOption func(*Chain)

// WithChainLogger sets the logger used for fallback diagnostics.
func WithChainLogger(logger *slog.Logger) ChainOption {
	return func(c *Chain) { c.logger = logger }
}

// NewChain builds the resolver table. A later resolver claiming a network an
// earlier one already claimed wins, so callers can override defaults.
func NewChain(resolvers []Resolver, opts ...ChainOption) *Chain {
	c := &Chain{
		logger:    slog.Default(),
		resolvers: make(map[atxp.Network]Resolver),
	}
	for _, opt := range opts {
		opt(c)
	}
	for _, r := range resolvers {
		for _, network := range r.Networks() {
			c.resolvers[network] = r
		}
	}
	return c
}

// ResolveOption resolves a single option. Unregistered networks are an
// error; the chain-level fallback in Resolve treats that like any other
// per-option failure.
func (c *Chain) ResolveOption(ctx context.Context, option atxp.PaymentOption, paymentRequestID string) ([]atxp.Destination, error) {
	resolver, ok := c.resolvers[option.Network]
	if !ok {
		return nil, fmt.Errorf("no resolver registered for network %q", option.Network)
	}
	return resolver.Resolve(ctx, option, paymentRequestID)
}

// AcceptFunc reports whether the caller can actually pay the resolved
// destinations of an option. Returning false records a per-option failure
// and moves the walk on to the next offered option; returning an error
// aborts the walk with that error.
type AcceptFunc func(ctx context.Context, option atxp.PaymentOption, dests []atxp.Destination) (bool, error)

// Resolve tries each offered option in order and returns the destinations
// of the first option that yields at least one, together with that option.
// A failing or empty option is logged and skipped rather than aborting:
// degrading to a less-preferred but available network beats failing the
// payment. Options after the first success are never attempted.
func (c *Chain) Resolve(ctx context.Context, options []atxp.PaymentOption, paymentRequestID string) ([]atxp.Destination, atxp.PaymentOption, error) {
	return c.ResolveWith(ctx, options, paymentRequestID, nil)
}

// ResolveWith is Resolve with a payability check folded into option
// selection: an option only wins when accept takes its destinations, so a
// resolvable option nobody can pay falls through to the next one instead
// of ending the walk.
func (c *Chain) ResolveWith(ctx context.Context, options []atxp.PaymentOption, paymentRequestID string, accept AcceptFunc) ([]atxp.Destination, atxp.PaymentOption, error) {
	var failures []atxp.OptionFailure

	for _, option := range options {
		dests, err := c.ResolveOption(ctx, option, paymentRequestID)
		if err != nil {
			c.logger.Warn("payment option failed to resolve, trying next",
				"payment_request_id", paymentRequestID,
				"network", option.Network,
				"error", err)
			failures = append(failures, atxp.OptionFailure{Option: option, Reason: err.Error()})
			continue
		}
		if len(dests) == 0 {
			c.logger.Warn("payment option resolved to no destinations, trying next",
				"payment_request_id", paymentRequestID,
				"network", option.Network)
			failures = append(failures, atxp.OptionFailure{Option: option, Reason: "no destinations"})
			continue
		}
		if accept != nil {
			ok, err := accept(ctx, option, dests)
			if err != nil {
				return nil, atxp.PaymentOption{}, err
			}
			if !ok {
				c.logger.Warn("no payment maker handles the resolved destinations, trying next option",
					"payment_request_id", paymentRequestID,
					"network", option.Network)
				failures = append(failures, atxp.OptionFailure{Option: option, Reason: "no payment maker handles the resolved destinations"})
				continue
			}
		}
		return dests, option, nil
	}

	return nil, atxp.PaymentOption{}, &atxp.ResolutionError{
		PaymentRequestID: paymentRequestID,
		Failures:         failures,
	}
}
