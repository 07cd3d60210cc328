// Package archive produces the deterministic zip artifact that the upload
// stage ships.
package archive
