package organization

import (
	"github.com/costplane/costplane/internal/organization/repository"
	"github.com/costplane/costplane/internal/organization/service"
	"go.uber.org/fx"
)

var Module = fx.Module("organization.service",
	fx.Provide(repository.NewRepository),
	fx.Provide(service.NewService),
)
