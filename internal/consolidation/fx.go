package consolidation

import (
	"github.com/costplane/costplane/internal/consolidation/engine"
	"go.uber.org/fx"
)

var Module = fx.Module("consolidation.engine",
	fx.Provide(NewCatalog),
	fx.Provide(engine.New),
)
