package apikey

import (
	"github.com/costplane/costplane/internal/apikey/repository"
	"github.com/costplane/costplane/internal/apikey/service"
	"go.uber.org/fx"
)

var Module = fx.Module("apikey.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
