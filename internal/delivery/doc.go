// Package delivery is the broadcast delivery engine.
//
// One campaign (message + recipients) is driven through a single Telegram
// account by a Runner: recipients are sent to strictly sequentially, each send
// preceded by an adaptive pacing delay, each failure classified into a closed
// taxonomy that decides whether the recipient is skipped for good or counts
// toward the attempt's failure rate. Progress is published after every
// recipient to a TTL'd sink and the event bus; the terminal campaign status is
// decided by a failure-rate policy.
//
// The Service wraps Runners in a bounded worker pool (campaigns run
// concurrently with each other, never within themselves) and owns the retry
// policy for attempts that fail as a whole.
package delivery
