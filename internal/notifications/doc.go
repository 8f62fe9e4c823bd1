// Package notifications pushes terminal sync events to ntfy.
//
// The notifier is an events.Bus: wire it next to the log sink and it posts a
// short message when a job completes or fails. Progress and start events are
// ignored. With no topic configured New returns nil.
package notifications
