// Package logging wires log/slog for the pipeline: console and json handler
// construction, shared field keys, context-derived attributes, and a sampler
// that bounds the rate of upload progress reports.
package logging
