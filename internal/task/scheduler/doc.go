// Package scheduler registers schedules and turns their triggers into engine tasks.
//
// It is responsible only for:
//   - registering cron and interval schedules
//   - computing next trigger times (with a startup spread for intervals)
//   - enqueueing tasks into the task engine
//   - computing per-monitor polling intervals from the upstream call budget
package scheduler
