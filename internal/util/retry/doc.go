// Package retry provides deadline-bounded retry logic for transient failures.
//
// A [Policy] carries the timeout budget for one logical network operation:
// the connection timeout, the per-attempt read timeout, the interval slept
// between attempts, and the total wall-clock budget shared by all attempts.
// [Policy.Do] drives the loop and classifies every attempt outcome as
// success, transient (retry after the interval), or permanent (fail
// immediately). It is used for the IMDS and wireserver clients, whose
// endpoints are routinely unreachable during early boot.
package retry
