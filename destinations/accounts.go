package destinations

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	atxp "github.com/atxp-dev/atxp-go"
)

// DefaultAccountsBaseURL is the production ATXP accounts service.
const DefaultAccountsBaseURL = "https://accounts.atxp.ai"

// WalletTypeEOA marks externally-owned wallets, the only kind eligible as a
// push-payment destination. Smart-contract wallets cannot be addressed
// directly for a push payment and are filtered out.
const (
	WalletTypeEOA      = "eoa"
	WalletTypeContract = "contract"
)

// Source is one wallet linked to an account, as reported by the accounts
// service.
type Source struct {
	Network    atxp.Network `json:"network"`
	Address    string       `json:"address"`
	WalletType string       `json:"walletType"`
}

// NegotiatedDestination is the accounts service's answer to an
// indirect-payment negotiation.
type NegotiatedDestination struct {
	Network       atxp.Network  `json:"network"`
	Address       string        `json:"address"`
	Currency      atxp.Currency `json:"currency"`
	PaymentMethod string        `json:"paymentMethod,omitempty"`
}

// AccountsClient talks to the ATXP accounts service HTTP API.
type AccountsClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// AccountsOption configures an AccountsClient.
type AccountsOption func(*AccountsClient)

// WithAccountsHTTPClient sets the HTTP client.
func WithAccountsHTTPClient(client *http.Client) AccountsOption {
	return func(c *AccountsClient) { c.httpClient = client }
}

// WithAccountsLogger sets the logger.
func WithAccountsLogger(logger *slog.Logger) AccountsOption {
	return func(c *AccountsClient) { c.logger = logger }
}

// NewAccountsClient creates a client for the accounts service. An empty
// baseURL selects the production service.
func NewAccountsClient(baseURL string, opts ...AccountsOption) *AccountsClient {
	if baseURL == "" {
		baseURL = DefaultAccountsBaseURL
	}
	c := &AccountsClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Sources lists the wallets linked to an account.
func (c *AccountsClient) Sources(ctx context.Context, accountID atxp.AccountID) ([]Source, error) {
	endpoint := fmt.Sprintf("%s/account/%s/sources", c.baseURL, url.PathEscape(accountID.String()))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching sources for %s: %w", accountID, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("accounts service returned status %d for %s: %s", resp.StatusCode, accountID, body)
	}

	var sources []Source
	if err := json.Unmarshal(body, &sources); err != nil {
		return nil, fmt.Errorf("parsing sources for %s: %w", accountID, err)
	}
	return sources, nil
}

// NegotiateDestination asks the accounts service for a single concrete
// destination able to settle the given amount, used when the server prefers
// a specific settlement path such as a card-rail intermediary.
func (c *AccountsClient) NegotiateDestination(ctx context.Context, accountID atxp.AccountID, paymentRequestID, amount string, currency atxp.Currency) (*NegotiatedDestination, error) {
	endpoint := fmt.Sprintf("%s/account/%s/destination/%s",
		c.baseURL, url.PathEscape(accountID.String()), url.PathEscape(paymentRequestID))

	payload, err := json.Marshal(map[string]string{
		"amount":   amount,
		"currency": string(currency),
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("negotiating destination for %s: %w", accountID, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("accounts service returned status %d negotiating for %s: %s", resp.StatusCode, accountID, body)
	}

	var dest NegotiatedDestination
	if err := json.Unmarshal(body, &dest); err != nil {
		return nil, fmt.Errorf("parsing negotiated destination: %w", err)
	}
	return &dest, nil
}

// AccountExpander resolves options whose address names an abstract account
// by expanding it into every linked externally-owned wallet.
type AccountExpander struct {
	accounts *AccountsClient
}

// NewAccountExpander creates the expander over an accounts client.
func NewAccountExpander(accounts *AccountsClient) *AccountExpander {
	return &AccountExpander{accounts: accounts}
}

func (e *AccountExpander) Networks() []atxp.Network {
	return []atxp.Network{atxp.NetworkATXP}
}

// Resolve expands the account into one destination per linked EOA wallet.
// Contract wallets are skipped: the orchestrator cannot push-pay them.
func (e *AccountExpander) Resolve(ctx context.Context, option atxp.PaymentOption, _ string) ([]atxp.Destination, error) {
	accountID, err := atxp.ParseAccountID(option.Address)
	if err != nil {
		return nil, err
	}

	sources, err := e.accounts.Sources(ctx, accountID)
	if err != nil {
		return nil, err
	}

	var dests []atxp.Destination
	for _, source := range sources {
		if source.WalletType != WalletTypeEOA {
			e.accounts.logger.Debug("skipping non-EOA wallet",
				"account", accountID.String(),
				"address", source.Address,
				"wallet_type", source.WalletType)
			continue
		}
		dests = append(dests, atxp.Destination{
			Chain:    source.Network,
			Currency: option.Currency,
			Address:  source.Address,
			Amount:   option.Amount,
		})
	}
	return dests, nil
}
