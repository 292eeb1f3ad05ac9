// Package jobs holds the scan jobs the worker can run and the registry that
// maps job names onto them.
//
// Every job follows the same contract: it queries the catalog with its own
// filter, re-checks each hit in process, optionally enriches it through TMDB,
// and replaces its own result bucket with what it found. A job registers its
// key the first time it stores output. The bucket is built aside and committed
// only when the whole run succeeds, so a failed run leaves the snapshot as it
// was. Per-item problems are logged and skipped; catalog failures and an
// unavailable enrichment service abort the job.
package jobs
