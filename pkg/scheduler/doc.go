// Package scheduler runs the periodic maintenance jobs of the meal tracker.
// It sweeps awaiting entries whose expiry timers have not fired, runs value log
// garbage collection on ledgers that need it, and logs the daily summary.
package scheduler
