// Package middleware provides the HTTP middleware of the render API:
// access logging, Prometheus request metrics and gzip compression of JSON
// responses. All middleware has the gorilla/mux MiddlewareFunc shape.
package middleware
