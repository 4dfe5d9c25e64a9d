package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/costplane/costplane/internal/apikey"
	"github.com/costplane/costplane/internal/authorization"
	"github.com/costplane/costplane/internal/clock"
	"github.com/costplane/costplane/internal/config"
	"github.com/costplane/costplane/internal/consolidation"
	"github.com/costplane/costplane/internal/credential"
	"github.com/costplane/costplane/internal/migration"
	"github.com/costplane/costplane/internal/observability"
	"github.com/costplane/costplane/internal/orchestrator"
	"github.com/costplane/costplane/internal/organization"
	"github.com/costplane/costplane/internal/quota"
	"github.com/costplane/costplane/internal/ratelimit"
	"github.com/costplane/costplane/internal/runregistry"
	"github.com/costplane/costplane/internal/scheduler"
	"github.com/costplane/costplane/internal/seed"
	"github.com/costplane/costplane/internal/server"
	"github.com/costplane/costplane/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		observability.Module,
		fx.Provide(registerSnowflake),
		db.Module,
		clock.Module,
		migration.Module,
		seed.Module,

		// Domains
		organization.Module,
		apikey.Module,
		quota.Module,
		credential.Module,
		consolidation.Module,
		runregistry.Module,
		orchestrator.Module,
		authorization.Module,
		ratelimit.Module,
		scheduler.Module,

		// HTTP surface
		server.Module,
	)
	app.Run()
}

func registerSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
