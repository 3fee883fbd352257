// Command overlay burns a text overlay into one or more MP4 files.
//
// Usage:
//
//	overlay -text "Hello" [flags] input.mp4
//	overlay -text "Hello" [flags] -o outdir a.mp4 b.mp4 https://host/c.mp4
//
// With a single input, -o names the output file (default
// <name>.overlay.mp4 in the current directory). With several inputs, -o
// names a directory and each input is written to
// <dir>/<name>.overlay.mp4. Inputs run concurrently, bounded by the CPU
// count or PIPELINE_WORKERS.
//
// Progress bars redraw in place when stdout is a terminal; otherwise a
// line is printed at every tenth of progress.
//
// Exit status is 0 on success, 1 when any input fails and 2 for usage
// errors.
package main
