package main

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/oauth2"

	"github.com/Martian-dev/mail-migrator/internal/auth"
	"github.com/Martian-dev/mail-migrator/internal/config"
	"github.com/Martian-dev/mail-migrator/internal/mail"
	"github.com/Martian-dev/mail-migrator/internal/migration"
	"github.com/Martian-dev/mail-migrator/internal/providers/gmail"
	"github.com/Martian-dev/mail-migrator/internal/providers/imap"
	"github.com/Martian-dev/mail-migrator/internal/providers/outlook"
	"github.com/Martian-dev/mail-migrator/internal/retry"
)

var errNoAuthManager = errors.New("BETTER_AUTH_URL is not configured, pass an access token")

// credentialSource is what a provider adapter authenticates with
type credentialSource interface {
	oauth2.TokenSource
	retry.Refresher
}

// providerFactory connects one side of a migration. Tokens come from the
// auth manager on behalf of the user, or from the request as-is.
func providerFactory(cfg *config.Config, betterAuth *auth.BetterAuthClient) migration.ProviderFactory {
	return func(ctx context.Context, ep migration.Endpoint) (mail.Client, retry.Refresher, error) {
		var creds credentialSource
		switch {
		case ep.AccessToken != "":
			creds = auth.NewStaticSession(ep.AccessToken)
		case betterAuth == nil:
			return nil, nil, fmt.Errorf("%w: %s", migration.ErrInvalidRequest, errNoAuthManager)
		default:
			session, err := betterAuth.NewSession(ctx, ep.UserJWT, ep.Provider)
			if err != nil {
				return nil, nil, err
			}
			creds = session
		}

		switch ep.Provider {
		case mail.ProviderGoogle:
			client, err := gmail.New(ctx, creds, ep.Account)
			if err != nil {
				return nil, nil, err
			}
			return client, creds, nil
		case mail.ProviderMicrosoft:
			client, err := outlook.New(ctx, creds, ep.Account)
			if err != nil {
				return nil, nil, err
			}
			return client, creds, nil
		case mail.ProviderYahoo:
			if ep.Account == "" {
				return nil, nil, fmt.Errorf("%w: yahoo requires the account address", migration.ErrInvalidRequest)
			}
			client := imap.New(imap.Config{
				Addr:     cfg.YahooIMAPAddr,
				Username: ep.Account,
				Tokens:   creds,
			})
			return client, creds, nil
		}
		return nil, nil, fmt.Errorf("%w: unsupported provider %q", migration.ErrInvalidRequest, ep.Provider)
	}
}
