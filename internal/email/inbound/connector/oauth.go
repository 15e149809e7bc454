package connector

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/emersion/go-sasl"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"

	"github.com/gotrs-io/gotrs-helpdesk/internal/config"
)

const (
	googleMailScope    = "https://mail.google.com/"
	microsoftMailScope = "https://outlook.office365.com/.default"
)

// TokenSourceFor builds a token source from the oauth config section. A
// refresh token selects the authorization code flow, otherwise client
// credentials are used.
func TokenSourceFor(ctx context.Context, cfg config.OAuthConfig) (oauth2.TokenSource, error) {
	if strings.TrimSpace(cfg.ClientID) == "" {
		return nil, errors.New("oauth client_id is not configured")
	}
	endpoint, defaultScope, err := oauthEndpoint(cfg)
	if err != nil {
		return nil, err
	}
	scopes := cfg.Scopes
	if len(scopes) == 0 && defaultScope != "" {
		scopes = []string{defaultScope}
	}

	if cfg.RefreshToken != "" {
		conf := &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.Secret,
			Endpoint:     endpoint,
			Scopes:       scopes,
		}
		return conf.TokenSource(ctx, &oauth2.Token{RefreshToken: cfg.RefreshToken}), nil
	}

	conf := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.Secret,
		TokenURL:     endpoint.TokenURL,
		Scopes:       scopes,
	}
	return conf.TokenSource(ctx), nil
}

func oauthEndpoint(cfg config.OAuthConfig) (oauth2.Endpoint, string, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "google":
		ep := google.Endpoint
		if cfg.TokenURL != "" {
			ep.TokenURL = cfg.TokenURL
		}
		return ep, googleMailScope, nil
	case "microsoft":
		tenant := cfg.Tenant
		if tenant == "" {
			tenant = "common"
		}
		ep := microsoft.AzureADEndpoint(tenant)
		if cfg.TokenURL != "" {
			ep.TokenURL = cfg.TokenURL
		}
		return ep, microsoftMailScope, nil
	case "":
		if cfg.TokenURL == "" {
			return oauth2.Endpoint{}, "", errors.New("oauth token_url is required without a provider")
		}
		return oauth2.Endpoint{TokenURL: cfg.TokenURL}, "", nil
	default:
		return oauth2.Endpoint{}, "", fmt.Errorf("unsupported oauth provider %q", cfg.Provider)
	}
}

// xoauth2String formats the SASL XOAUTH2 initial response.
func xoauth2String(user, accessToken string, encode bool) string {
	s := fmt.Sprintf("user=%s\x01auth=Bearer %s\x01\x01", user, accessToken)
	if encode {
		return base64.StdEncoding.EncodeToString([]byte(s))
	}
	return s
}

type xoauth2Client struct {
	username string
	token    string
}

// newXOAUTH2Client returns a SASL client for the non-standard XOAUTH2
// mechanism used by Gmail and Office 365.
func newXOAUTH2Client(username, token string) sasl.Client {
	return &xoauth2Client{username: username, token: token}
}

func (c *xoauth2Client) Start() (string, []byte, error) {
	return "XOAUTH2", []byte(xoauth2String(c.username, c.token, false)), nil
}

// Next answers a server error challenge with an empty response so the
// server can complete the exchange with a failure status.
func (c *xoauth2Client) Next(challenge []byte) ([]byte, error) {
	if len(challenge) == 0 {
		return nil, errors.New("xoauth2: unexpected server challenge")
	}
	return []byte{}, nil
}
