// Package ingestion imports scraper dump files into the repository cache.
//
// A dump is a JSON lines file. Each line holds exactly one entity:
//
//	{"thread": {"id": "t1", "title": "...", "created_utc": 1700000000, ...}}
//	{"comment": {"id": "c1", "parent_id": "t1", "created_utc": 1700000100, ...}}
//
// Files are decoded and validated concurrently on a worker pool. Writes are
// then submitted in file order: each file's threads as one batch, followed
// by its comments in line order. Invalid lines are logged and counted but
// do not fail the import.
package ingestion
