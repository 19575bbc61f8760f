package main

import (
	"strings"

	"lasergrbl-host/pkg/hal"
	"lasergrbl-host/pkg/host"
	"lasergrbl-host/pkg/ppi"
)

// machineAdapter exposes the host engine and machine to the status API.
type machineAdapter struct {
	m      *hal.Machine
	engine *host.Engine
	ppi    *ppi.Plugin
}

func (a *machineAdapter) Plugins() []hal.PluginInfo {
	return a.m.Plugins()
}

func (a *machineAdapter) Status() map[string]any {
	x, y := a.engine.Position()
	return map[string]any{
		"ppi":   a.ppi.Status(),
		"alarm": int(a.m.Alarm()),
		"lines": a.engine.Lines(),
		"position": map[string]float64{
			"x": x,
			"y": y,
		},
	}
}

func (a *machineAdapter) ExecuteGCode(script string) error {
	return a.engine.ExecuteStream(strings.NewReader(script))
}

func (a *machineAdapter) StatusReport(all bool) string {
	return a.engine.StatusReport(all)
}

func (a *machineAdapter) Reset() {
	a.engine.Reset()
}
