// Package scheduler is the durable deferred execution backend.
//
// A task is a (key, fire time, payload) triple persisted in the store's
// deferred_tasks table and mirrored by an in-memory timer. When the timer
// fires, the task is handed to the task engine; the durable row is removed
// only once the engine reports a final outcome. On Start every row is
// re-armed, and a cron-driven sweep re-fires rows whose delivery was refused.
package scheduler
