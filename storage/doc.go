// Package storage provides content-addressed artifact storage with pluggable backends.
//
// Generated programs are identified by the SHA-256 hash of their content and
// kept in one namespace per artifact kind (primary, boot):
//
//   - FileBackend stages artifacts on local disk; the transfer tool copies
//     from the paths returned by PathFor
//   - S3Backend archives artifacts in Amazon S3 or a compatible service
//   - MultiStorageBackend fans a Store out to several backends and fetches
//     from the first one holding the content
//
// # Storage URI Format
//
// Backends are specified using URI format:
//
//	[scheme]://[auth@]host[:port][/path][?params]
//
// Supported URI schemes:
//
//   - file:///var/lib/provisioning/artifacts
//   - s3://bucket-name/prefix/?region=us-west-2
//   - s3://ACCESS_KEY:SECRET_KEY@bucket-name/prefix/?endpoint=http://minio:9000
//
// Storing identical content twice is idempotent: the content ID, and
// therefore the location, depends on the bytes only.
package storage
