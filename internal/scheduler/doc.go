// Package scheduler drives campaigns through their lifecycle.
//
// A cron-triggered tick walks every non-terminal campaign:
//   - scheduled campaigns fire when their schedule and window allow it
//   - processing campaigns resolve their recipient set
//   - sending campaigns get a dispatch worker if none is running
//
// The same Service exposes the operator API (Start, Pause, Resume, Cancel,
// GetStatus) and the delivery callback entry point. All durable state lives
// in the campaign record store; the service keeps only the live dispatch runs.
package scheduler
