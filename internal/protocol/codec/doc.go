// Package codec owns the controller wire value codec.
//
// Ownership boundary:
// - typed value union (Value)
// - per-value type tags and their grammar (Tag)
// - big-endian encode/decode of tag sequences
//
// The codec never describes a whole message. Callers and the instrument agree
// on the tag sequence for each command out of band.
package codec
