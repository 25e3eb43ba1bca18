// Package storage persists monitor cache documents.
//
// Every monitor keeps one small JSON document (field values, follow map,
// recent like ids, tweet watermark) under a stable key. Storage is best-effort:
// a missing document means a cold start, and the monitor rebuilds state from
// its first fetch.
package storage
