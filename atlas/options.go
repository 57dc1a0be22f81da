package atlas

import (
	"go.uber.org/zap"

	"github.com/veiloq/savekit/config"
)

// WithAtlas selects the Atlas migrator, reading the atlas.hcl set with
// config.WithAtlasHCLPath ("atlas.hcl" by default). Pass it after
// WithAtlasHCLPath. Apply logs through the logger it is called with; the
// migrator's own logger only reports initialization.
func WithAtlas(logger *zap.Logger) config.Option {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(sts *config.Settings) {
		sts.SetMigrator(NewAtlasMigrator(sts.AtlasHCLPath(), logger))
	}
}
