// Package dataset is the store adapter for one robot-demonstration dataset
// directory: the episode table, the video shard references, the metadata
// document, and the aggregate statistics. All writes go to a temporary path
// and are renamed into place, so a killed process never leaves a partial
// file visible under its final name.
package dataset
