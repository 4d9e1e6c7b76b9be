package capability

import (
	"fmt"

	"github.com/rohandixit/quillforge/internal/capability/stub"
	"github.com/rohandixit/quillforge/internal/config"
	"github.com/rohandixit/quillforge/pkg/models"
)

// NewCapability constructs the configured generation backend.
// Called once at server startup.
func NewCapability(cfg config.CapabilityConfig) (models.Capability, error) {
	switch cfg.Provider {
	case "stub":
		return stub.NewProvider(), nil
	default:
		return nil, fmt.Errorf("unknown capability provider %q: must be stub", cfg.Provider)
	}
}
