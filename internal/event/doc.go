// Package event defines the event bus and event types that decouple the
// process supervisor from its consumers. Output, progress, exit, and stall
// events all flow through one Bus; status indicators, progress notifiers,
// and task browsers each subscribe independently and derive their own
// state from the same stream.
package event
