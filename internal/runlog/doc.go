// Package runlog keeps a SQLite journal of pipeline runs and their per-stage
// outcomes for the runs subcommand. It never feeds back into stage
// sequencing; a deleted journal costs history, not correctness.
package runlog
