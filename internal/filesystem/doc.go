/*
Package filesystem opens and stats files with retries for stale NFS file
handles.

Uploads, job outputs and local pipeline inputs often live on network
mounts. When the server side of such a mount changes, the first access can
fail with ESTALE even though a second attempt succeeds. OpenWithRetry and
StatWithRetry retry only that error, with capped exponential backoff, and
return every other error immediately.

	f, err := filesystem.OpenWithRetry(ctx, path, filesystem.DefaultRetryConfig())

Waiting between attempts honors ctx. Stale handle occurrences and retry
outcomes are exported as metrics labelled by operation.
*/
package filesystem
