package quota

import (
	"github.com/costplane/costplane/internal/quota/repository"
	"github.com/costplane/costplane/internal/quota/service"
	"go.uber.org/fx"
)

var Module = fx.Module("quota.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
