// Package upload ships the merged archive to an SFTP endpoint: connect,
// verify the remote directory, stream with rate-bounded progress, retry
// transient failures under a bounded backoff policy, and verify the remote
// size after transfer.
package upload
