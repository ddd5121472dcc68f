// Package profile persists per-user scheduling inputs: preferences (focus
// window, default durations) and the daily routine (blocked intervals).
//
// Both stores are small JSON documents loaded once per scheduling run and
// read-only to the planner. Missing or corrupt files yield defaults so a
// fresh deployment schedules sensibly out of the box.
package profile
