// Package scheduler polls the job store for due broadcast jobs, hands their
// recipients to the delivery pool and advances each job's next run.
//
// A job is executed by at most one goroutine at a time. The in-process
// running set is the only guard, so a single scheduler instance must own a
// given database.
package scheduler
