package handler

import (
	"bytes"
	"encoding/json"
	"errors"

	"fieldtrack/internal/attendance"
)

func decodePoints(raw []byte) ([]attendance.LocationPoint, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, errors.New("empty body")
	}
	if raw[0] == '[' {
		var points []attendance.LocationPoint
		if err := json.Unmarshal(raw, &points); err != nil {
			return nil, err
		}
		return points, nil
	}
	var p attendance.LocationPoint
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return []attendance.LocationPoint{p}, nil
}
