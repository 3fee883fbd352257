/*
Package workers sizes worker pools from the CPUs a container may actually use.

runtime.NumCPU reports host CPUs, while GOMAXPROCS follows cgroup limits
since Go 1.19, so all counts here start from GOMAXPROCS:

	runs := workers.ForCPU(8)    // one pipeline per CPU, at most 8
	fetches := workers.ForIO(16) // two per CPU, at most 16

Each pipeline run already keeps two ffmpeg processes busy, so the job
manager and the CLI size their run concurrency with ForCPU.

# Environment Variable Override

PIPELINE_WORKERS fixes the count, for example when ffmpeg is pinned to fewer
cores than the Go process may use:

	PIPELINE_WORKERS=2

The limit passed to ForCPU, ForIO or ForMixed still applies to the override.
*/
package workers
