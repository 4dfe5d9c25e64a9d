package runregistry

import (
	"github.com/costplane/costplane/internal/runregistry/repository"
	"github.com/costplane/costplane/internal/runregistry/service"
	"go.uber.org/fx"
)

var Module = fx.Module("runregistry.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
