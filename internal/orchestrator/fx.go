package orchestrator

import (
	"context"

	orchdomain "github.com/costplane/costplane/internal/orchestrator/domain"
	"github.com/costplane/costplane/internal/orchestrator/service"
	"go.uber.org/fx"
)

var Module = fx.Module("orchestrator.service",
	fx.Provide(service.New),
	fx.Invoke(registerDrain),
)

// registerDrain waits for in-flight background runs on shutdown so a
// restart does not orphan half-written run logs.
func registerDrain(lc fx.Lifecycle, svc orchdomain.Service) {
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return svc.Drain(ctx)
		},
	})
}
