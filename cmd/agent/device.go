package main

import (
	"context"

	"fieldtrack/internal/attendance"
	"fieldtrack/internal/config"
)

// device reports the configured device identity and the battery level of
// the newest location fix, or -1 when none carried one.
type device struct {
	cfg     config.App
	session *attendance.Session
}

func (d *device) DeviceInfo(context.Context) attendance.DeviceInfo {
	info := attendance.DeviceInfo{
		BatteryLevel: -1,
		Platform:     d.cfg.DevicePlatform,
		AppVersion:   d.cfg.AppVersion,
		Model:        d.cfg.DeviceModel,
	}
	if d.session == nil {
		return info
	}
	points := d.session.Locations()
	for i := len(points) - 1; i >= 0; i-- {
		if points[i].BatteryLevel != nil {
			info.BatteryLevel = *points[i].BatteryLevel
			break
		}
	}
	return info
}
