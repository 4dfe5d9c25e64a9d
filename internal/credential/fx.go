package credential

import (
	"github.com/costplane/costplane/internal/credential/repository"
	"github.com/costplane/costplane/internal/credential/service"
	"github.com/costplane/costplane/internal/credential/vault"
	"go.uber.org/fx"
)

var Module = fx.Module("credential.service",
	fx.Provide(vault.NewFromConfig),
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
