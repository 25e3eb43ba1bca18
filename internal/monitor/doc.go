// Package monitor holds the per-account change detectors.
//
// Every monitor is built in two steps: a bootstrap that must fetch one good
// snapshot (retried with a fixed or adaptive delay), then any number of Watch
// ticks. A tick that fails to fetch returns false and leaves state untouched;
// the scheduler simply tries again on the next tick.
//
// Profile debounces every field through a ChangeBuffer so a value read once by a
// flaky replica is not reported. It also owns the Following, Like and Tweet
// monitors of the same account and runs them early when a counter says there is
// something new.
//
// # Window limitation
//
// Like and Tweet only see the most recent page the upstream returns (200 likes,
// 20 posts). A like or post that enters and leaves that window between two polls
// is never observed, and a like of an old post below the min id watermark is
// indistinguishable from one that was always there. Shorter intervals for busy
// accounts are the only mitigation.
package monitor
