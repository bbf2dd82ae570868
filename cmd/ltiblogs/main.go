package main

import (
	"context"

	"github.com/alecthomas/kong"

	"github.com/mind-engage/lti-blogs/cmd/ltiblogs/internal/commands"
)

var (
	version = "dev"
	cli     struct {
		Debug            bool                         `help:"Enable debug logging." env:"DEBUG"`
		Version          kong.VersionFlag             `help:"Print the version and exit."`
		Serve            commands.ServeCmd            `cmd:"" default:"1" help:"Serve the LTI login and launch endpoints."`
		Migrate          commands.MigrateCmd          `cmd:"" help:"Apply the database schema and exit."`
		RegisterPlatform commands.RegisterPlatformCmd `cmd:"" help:"Add or update an LMS platform registration."`
	}
)

func main() {
	ctx := context.Background()
	cmd := kong.Parse(&cli,
		kong.Name("ltiblogs"),
		kong.Description("LTI 1.3 launch service for course blogs."),
		kong.Vars{
			"version": version,
		},
		kong.BindTo(ctx, (*context.Context)(nil)))
	err := cmd.Run(&commands.Globals{Debug: cli.Debug, Version: version})
	cmd.FatalIfErrorf(err)
}
