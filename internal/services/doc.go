// Package services holds the error taxonomy and context plumbing shared by
// every pipeline stage. Errors are tagged with sentinel markers so the
// orchestrator can classify a failure (precondition, schema, io, transient,
// auth) without inspecting message text.
package services
