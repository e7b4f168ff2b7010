package providers

import (
	"context"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
)

// OAuth2ConfigExchanger is the Exchange method of oauth2.Config.
type OAuth2ConfigExchanger interface {
	Exchange(ctx context.Context, code string, opts ...oauth2.AuthCodeOption) (*oauth2.Token, error)
}

// ExchangeCode posts code to the provider's token endpoint using httpClient.
// Every failure, including an HTTP error status from the provider, wraps
// ErrIdentityProviderUnavailable.
func ExchangeCode(ctx context.Context, config OAuth2ConfigExchanger, httpClient *http.Client, code string) (*oauth2.Token, error) {
	if httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)
	}

	token, err := config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to exchange code: %w", ErrIdentityProviderUnavailable, err)
	}

	return token, nil
}

// IDToken returns the "id_token" member of a provider token response, or ""
// when the response carried none.
func IDToken(token *oauth2.Token) string {
	if token == nil {
		return ""
	}
	idToken, _ := token.Extra("id_token").(string)
	return idToken
}
