//go:build no_automation

package main

import (
	"log/slog"

	"somfy-go-home/internal/controller"
)

type autoStopper struct{}

func (a *autoStopper) Stop() {}

func initAutomation(_ *controller.Controller, _ *Config, _ *slog.Logger) *autoStopper {
	return &autoStopper{}
}
