// Package registry tracks which session each in-flight job belongs to.
//
// Queue events only carry a job id. The registry resolves that id to a
// Target: the internal session id plus the agent's external conversation id,
// which may be assigned or reassigned while the job runs. Subscribers can
// listen under either id, so Target.Keys lists both.
//
// Entries are bounded by size and expire after a TTL so a job whose terminal
// event was never observed cannot pin memory forever.
package registry
