// Package scheduler triggers named periodic jobs (cron or fixed interval).
//
// The scheduler only decides WHEN a job fires. Jobs own their reentrancy policy:
// the subscription refresh, for example, drops a trigger while a previous cycle
// is still running instead of queueing it.
package scheduler
