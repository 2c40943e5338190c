// Package services assembles the code agent's long-lived dependencies.
//
// New builds everything a command needs from a loaded configuration:
// telemetry, logger, record store, hosting provider, assistant-backed
// engines, secret scrubber, event publisher and the orchestrator. Close
// releases them in reverse order. Both the webhook server and the cycle
// worker start from a Registry so they run the same orchestrator.
package services
