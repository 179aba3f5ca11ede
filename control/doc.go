// Package control implements a YAML-backed dynamic configuration registry
// and a runtime metrics registry for the fiber/scheduler/iomanager stack.
//
// Provides concurrent-safe state handling primitives including:
//   - Typed, named configuration variables with default values
//   - Synchronous-under-lock change listeners for hot reload
//   - Runtime metrics telemetry for scheduler and I/O counters
//
// This package targets Linux only, matching the rest of the module.
package control
