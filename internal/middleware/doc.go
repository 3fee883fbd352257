// Package middleware provides the HTTP middleware chain for the job API:
// request IDs, W3C Extended Log Format access logging, Prometheus request
// metrics keyed by route template, and gzip for JSON responses.
package middleware
