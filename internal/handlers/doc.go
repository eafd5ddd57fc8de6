// Package handlers provides the HTTP API the messaging front-end talks to.
//
// It includes handlers for:
//   - Submitting render batches and cancelling tickets
//   - Queue status and ticket history per user
//   - Recent uniqueness reports
//   - Health, liveness and readiness probes and build information
package handlers
