// Package scheduler is the escalation loop.
//
// PollOnce is the only mutator of escalation state. Each cycle reads every
// in-flight dispatch and every due task, then per task decides whether to
// create the first dispatch, retry a send, wait, or escalate to the next
// channel. The dispatch store arbitrates concurrent writers; a cycle that
// loses a conditional write simply does nothing for that task.
//
// Recovery after a crash is one PollOnce: a row stuck mid-send carries a
// lease in next_check_at and is retried once the lease expires.
package scheduler
