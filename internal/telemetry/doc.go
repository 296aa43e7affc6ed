// Package telemetry reads the instrument's sample stream and keeps a bounded,
// timestamped window of it for the control loop.
//
// Ownership boundary:
// - Stream owns the data socket and the frame channel it feeds.
// - Buffer owns buffered frames; queries return copies.
package telemetry
