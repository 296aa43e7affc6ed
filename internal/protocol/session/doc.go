// Package session owns the instrument control-socket session.
//
// Ownership boundary:
// - connect with bounded retry/backoff
// - request framing, response header validation, partial-read recovery
// - error trailer surfacing and poll-until-condition helpers
//
// A Session carries at most one request at a time. The instrument answers
// strictly in order, so there is no request id on the wire: a response whose
// echoed command differs from the request means the stream is desynchronized
// and the session is no longer usable.
package session
