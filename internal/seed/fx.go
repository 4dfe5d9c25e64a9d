package seed

import (
	"github.com/bwmarrin/snowflake"
	"github.com/costplane/costplane/internal/config"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("seed",
	fx.Invoke(run),
)

func run(cfg config.Config, db *gorm.DB, node *snowflake.Node) error {
	if err := EnsurePlans(db, node); err != nil {
		return err
	}
	if cfg.Environment == "production" {
		return nil
	}
	return EnsureDemoOrg(db, node)
}
