package commands

import "context"

type MigrateCmd struct{}

func (c *MigrateCmd) Run(ctx context.Context, globals *Globals) error {
	cfg, log, h, err := setup(ctx, globals)
	if err != nil {
		return err
	}
	defer h.Close()
	log.Info().Str("driver", cfg.DBDriver).Msg("schema applied")
	return nil
}
