package provider

import (
	"fmt"

	"github.com/kiranshivaraju/gpubatch/internal/config"
	"github.com/kiranshivaraju/gpubatch/internal/provider/mock"
	"github.com/kiranshivaraju/gpubatch/internal/provider/runpod"
	"github.com/kiranshivaraju/gpubatch/internal/provider/vastai"
	"github.com/kiranshivaraju/gpubatch/pkg/models"
)

// NewAdapters constructs one adapter per enabled provider.
// Called once at server startup.
func NewAdapters(cfg config.ProvidersConfig) ([]models.GPUProvider, error) {
	adapters := make([]models.GPUProvider, 0, len(cfg.Enabled))
	for _, name := range cfg.Enabled {
		switch name {
		case vastai.ProviderName:
			adapters = append(adapters, vastai.NewProvider(cfg.VastAI, cfg.Timeout, cfg.RequestsPerSec))
		case runpod.ProviderName:
			adapters = append(adapters, runpod.NewProvider(cfg.RunPod, cfg.Timeout, cfg.RequestsPerSec))
		case "mock":
			adapters = append(adapters, mock.NewDefaultProvider())
		default:
			return nil, fmt.Errorf("unknown GPU provider %q: must be one of vastai, runpod, mock", name)
		}
	}
	return adapters, nil
}
