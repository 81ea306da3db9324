package drive

import "sync"

// Telemetry keys published by the subsystem.
const (
	TelemEnabled     = "enabled"
	TelemPoseX       = "pose_x_m"
	TelemPoseY       = "pose_y_m"
	TelemPoseHeading = "pose_heading_deg"
	TelemYaw         = "yaw_deg"
	TelemPitch       = "pitch_deg"
	TelemRoll        = "roll_deg"
	TelemCommand     = "command"
	TelemActiveTasks = "active_tasks"
)

// Telemetry is a key/value store written by the control loop and read by API callers.
type Telemetry struct {
	mu     sync.RWMutex
	values map[string]interface{}
}

// NewTelemetry returns an empty store.
func NewTelemetry() *Telemetry {
	return &Telemetry{values: map[string]interface{}{}}
}

// Set stores value under key.
func (t *Telemetry) Set(key string, value interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.values[key] = value
}

// Get returns the value under key, or nil.
func (t *Telemetry) Get(key string) interface{} {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.values[key]
}

// All returns a copy of every value.
func (t *Telemetry) All() map[string]interface{} {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]interface{}, len(t.values))
	for k, v := range t.values {
		out[k] = v
	}
	return out
}
