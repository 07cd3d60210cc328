// Package convert upgrades dataset directories from the previous on-disk
// schema version to the current one, in place and idempotently.
package convert
