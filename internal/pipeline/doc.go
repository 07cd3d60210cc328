// Package pipeline sequences the conversion, merge, and upload stages. Every
// stage consumes only on-disk artifacts from the prior stage, so a run can
// start from any stage, and an interrupted run either left no output or a
// complete one.
package pipeline
