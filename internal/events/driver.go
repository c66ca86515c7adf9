package events

import "github.com/example/ride-dispatch/internal/models"

// DriverEvent is published whenever a driver reports a profile, status or
// location change. cmd/driverfeed consumes these into the redis directory.
type DriverEvent struct {
	Driver models.Driver `json:"driver"`
}
