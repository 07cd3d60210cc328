// Package merge consolidates independently recorded datasets into one
// dataset with globally contiguous episode and frame indices. Video payloads
// are never re-encoded; shard files are relocated by hard link or copy and
// only the references and metadata are rewritten.
package merge
