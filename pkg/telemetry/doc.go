// Package telemetry collects Prometheus metrics and OpenTelemetry traces
// for installer runs. The package keeps a process-wide collector so the
// flash runner and the workflow stages can record events without threading
// a handle through every call site.
package telemetry
