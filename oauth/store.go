package oauth

import "context"

// Store persists OAuth state: client registrations keyed by issuer, PKCE
// values keyed by (userID, state), and access tokens keyed by (userID,
// resourceURL). Lookups return (nil, nil) when nothing is stored.
//
// ConsumePKCEValues must read and delete as one logical step so no two
// concurrent callback handlers can both consume the same (userID, state)
// pair.
type Store interface {
	GetClientCredentials(ctx context.Context, issuer string) (*ClientCredentials, error)
	SaveClientCredentials(ctx context.Context, issuer string, creds *ClientCredentials) error

	SavePKCEValues(ctx context.Context, userID, state string, values *PKCEValues) error
	ConsumePKCEValues(ctx context.Context, userID, state string) (*PKCEValues, error)

	GetAccessToken(ctx context.Context, userID, resourceURL string) (*Token, error)
	SaveAccessToken(ctx context.Context, userID, resourceURL string, token *Token) error
	DeleteAccessToken(ctx context.Context, userID, resourceURL string) error
}
