package commands

import (
	"context"

	"github.com/mind-engage/lti-blogs/internal/registry"
)

type RegisterPlatformCmd struct {
	Name         string `help:"display name of the platform"`
	Issuer       string `help:"platform issuer (iss claim)" required:""`
	ClientID     string `help:"client id the platform assigned to this tool" required:""`
	DeploymentID string `help:"deployment id; empty accepts any deployment"`
	AuthLoginURL string `help:"platform OIDC authorization endpoint" required:""`
	AuthTokenURL string `help:"platform OAuth2 token endpoint"`
	KeySetURL    string `help:"platform JWKS URL" required:""`
	Disabled     bool   `help:"store the registration disabled"`
}

func (c *RegisterPlatformCmd) Run(ctx context.Context, globals *Globals) error {
	_, log, h, err := setup(ctx, globals)
	if err != nil {
		return err
	}
	defer h.Close()

	p, err := registry.NewSQLRegistry(h).Register(ctx, registry.Platform{
		Name:         c.Name,
		Issuer:       c.Issuer,
		ClientID:     c.ClientID,
		DeploymentID: c.DeploymentID,
		AuthLoginURL: c.AuthLoginURL,
		AuthTokenURL: c.AuthTokenURL,
		KeySetURL:    c.KeySetURL,
		Enabled:      !c.Disabled,
	})
	if err != nil {
		return err
	}
	log.Info().
		Str("id", p.ID).
		Str("issuer", p.Issuer).
		Str("client_id", p.ClientID).
		Bool("enabled", p.Enabled).
		Msg("platform registered")
	return nil
}
