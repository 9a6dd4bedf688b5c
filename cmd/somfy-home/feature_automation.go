//go:build !no_automation

package main

import (
	"log/slog"

	"somfy-go-home/internal/automation"
	"somfy-go-home/internal/controller"
)

type autoStopper struct {
	engine *automation.Engine
}

func (a *autoStopper) Stop() {
	if a.engine != nil {
		a.engine.Stop()
	}
}

func initAutomation(ctrl *controller.Controller, cfg *Config, logger *slog.Logger) *autoStopper {
	scriptMgr, err := automation.NewManager(cfg.ScriptsDir)
	if err != nil {
		logger.Error("create script manager", "err", err)
		return &autoStopper{}
	}

	engine := automation.NewEngine(ctrl, scriptMgr, logger)
	engine.Start()

	return &autoStopper{engine: engine}
}
