// Package main hosts the url-archiver entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server accepts URLs, lists and searches archived items, and serves stored
//     files from the data root with a containment check.
//   - Dispatcher & queue: new items are enqueued on the memory or Redis queue and fanned out to a fixed
//     worker pool sized by worker.concurrency. Failed network and storage steps are retried on the
//     retry.delays_seconds schedule.
//   - Pipeline: each job fetches the URL once, classifies it, and then extracts the article and localizes
//     its images, stores the file content-addressed, or applies the video policy.
//   - Persistence: items, tags and assets live in Postgres (db.dsn) or in memory. Files land under
//     storage.data_dir and can be mirrored to GCS.
//
// Quick checklist:
//   - Configure env vars with the ARCHIVER_ prefix, e.g. ARCHIVER_DB_DSN, ARCHIVER_STORAGE_DATA_DIR,
//     ARCHIVER_QUEUE_BACKEND=redis, ARCHIVER_POLICY_VIDEO_ALLOWLIST=vimeo.com,example.org.
//   - Run locally: go run ./cmd/archiver serve --config config.yaml
//   - Re-run one item: go run ./cmd/archiver process 42
package main
