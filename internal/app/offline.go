package app

import (
	"fmt"

	"campaignd/internal/config"
	"campaignd/internal/storage"
	logx "campaignd/pkg/logx"
)

// CheckConfig parses and validates the config file without starting anything.
func CheckConfig(cfgPath string) (*config.Config, error) {
	cfg, err := config.NewConfigManager(cfgPath).Parse()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	if _, err := mapCampaignConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// OpenStore opens the configured store on its own, for offline commands.
func OpenStore(cfgPath string, log logx.Logger) (storage.Store, error) {
	cfg, err := CheckConfig(cfgPath)
	if err != nil {
		return nil, err
	}
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	st, err := storage.Open(sc, log)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	return st, nil
}
