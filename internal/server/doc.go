// Package server implements the HTTP API: the siren detection endpoint plus
// health, readiness, configuration, statistics and Prometheus endpoints.
package server
