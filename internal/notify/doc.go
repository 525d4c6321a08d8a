// Package notify tells operators about runs that went wrong.
//
// The service subscribes to the event bus and turns selected events (by
// default failed and killed job runs and rejected queue messages) into short
// Telegram messages. Delivery is asynchronous, rate limited, retried with
// backoff and deduplicated per job and event type, so a job failing every
// second produces one message per dedup window.
package notify
