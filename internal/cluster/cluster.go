package cluster

import (
	"errors"
	"fmt"
)

// #region role

// Role identifies whether this process coordinates the run or only trains.
type Role string

const (
	RoleCoordinator Role = "coordinator"
	RoleWorker      Role = "worker"
)

// IsCoordinator reports whether r may log, checkpoint, and set up credentials.
func (r Role) IsCoordinator() bool {
	return r == RoleCoordinator
}

// #endregion role

// #region topology

// ErrDeviceOverlap is returned when the scorer device is also used for training.
var ErrDeviceOverlap = errors.New("scorer device overlaps a training device")

// Topology describes this process's place in the run and the device layout.
// Training ranks own devices [0, WorldSize); the scorer owns ScorerDevice.
type Topology struct {
	Rank         int
	WorldSize    int
	NumDevices   int
	ScorerDevice int // -1 selects the last device
}

// Role returns the coordinator role for rank 0 and worker otherwise.
func (t Topology) Role() Role {
	if t.Rank == 0 {
		return RoleCoordinator
	}
	return RoleWorker
}

// TrainingDevice returns the device owned by this rank.
func (t Topology) TrainingDevice() int {
	return t.Rank
}

// TrainingDevices returns every device used by a training rank.
func (t Topology) TrainingDevices() []int {
	devs := make([]int, t.WorldSize)
	for i := range devs {
		devs[i] = i
	}
	return devs
}

// Scorer returns the resolved scorer device.
func (t Topology) Scorer() int {
	if t.ScorerDevice < 0 {
		return t.NumDevices - 1
	}
	return t.ScorerDevice
}

// Validate checks rank bounds and that the scorer device is disjoint from training.
func (t Topology) Validate() error {
	if t.WorldSize < 1 {
		return fmt.Errorf("world size must be >= 1, got %d", t.WorldSize)
	}
	if t.Rank < 0 || t.Rank >= t.WorldSize {
		return fmt.Errorf("rank %d out of range for world size %d", t.Rank, t.WorldSize)
	}
	scorer := t.Scorer()
	if scorer < 0 || scorer >= t.NumDevices {
		return fmt.Errorf("scorer device %d out of range for %d devices", scorer, t.NumDevices)
	}
	if Overlaps(scorer, t.TrainingDevices()) {
		return fmt.Errorf("%w: device %d", ErrDeviceOverlap, scorer)
	}
	return nil
}

// Overlaps reports whether device appears in devices.
func Overlaps(device int, devices []int) bool {
	for _, d := range devices {
		if d == device {
			return true
		}
	}
	return false
}

// #endregion topology
