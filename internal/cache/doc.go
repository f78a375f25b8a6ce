// Package cache defines the versioned bucket storage behind the offline gateway.
// A Storage holds named buckets; each bucket maps a locator (the absolute
// upstream URL of a request) to the last successful response observed for it.
// Two backends exist: a filesystem layout under StoragePath/<bucket>/ that
// writes through temp file + rename, and a SQLite database. Bucket deletion is
// atomic per bucket in both. Higher layers (worker, proxy) only depend on the
// Storage/Bucket interfaces and on AsyncWriter for fire-and-forget writes.
package cache
