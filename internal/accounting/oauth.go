package accounting

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

// tokenSkew refreshes access tokens this long before their stated expiry so
// an in-flight request never rides an about-to-expire token.
const tokenSkew = 5 * time.Minute

// NewOAuthClient builds an http.Client whose transport injects access tokens
// minted from the long-lived refresh token. oauth2.ReuseTokenSourceWithExpiry
// caches the current token and serializes refreshes, so concurrent activities
// share one refresh instead of stampeding the token endpoint.
func NewOAuthClient(ctx context.Context, tokenURL, clientID, clientSecret, refreshToken string) *http.Client {
	cfg := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  tokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	base := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	ts := oauth2.ReuseTokenSourceWithExpiry(nil, base, tokenSkew)
	return oauth2.NewClient(ctx, ts)
}
