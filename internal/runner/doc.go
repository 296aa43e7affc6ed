// Package runner assembles one conditioning run from resolved settings: the
// control session, the optional telemetry stream and buffer, the run log,
// the controller, and the monitor.
package runner
