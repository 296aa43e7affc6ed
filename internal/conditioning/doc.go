// Package conditioning runs the tip conditioning state machine.
//
// Ownership boundary:
// - Controller owns tip shape, pulse stepping state and signal histories for
//   one run; readers get copies through Snapshot.
// - Instrument I/O and signal sampling are injected; this package does not
//   open sockets.
package conditioning
