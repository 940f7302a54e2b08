package main

import (
	"github.com/ChamsBouzaiene/pdn/internal/config"
	"go.uber.org/zap"
)

// loadConfig merges saved preferences under the environment. A missing or
// unreadable preferences file is not fatal.
func loadConfig(log *zap.Logger) (*config.Config, error) {
	prefs := &config.Preferences{}
	manager, err := config.NewManager()
	if err != nil {
		log.Warn("failed to initialize config manager", zap.Error(err))
	} else if loaded, err := manager.Load(); err != nil {
		log.Warn("failed to load user config", zap.String("path", manager.GetConfigPath()), zap.Error(err))
	} else {
		prefs = loaded
		if manager.Exists() {
			log.Debug("user config loaded", zap.String("path", manager.GetConfigPath()))
		}
	}
	return config.LoadWith(prefs)
}
