package redis

// Redis key naming conventions. All keys are prefixed with "playbook:"
// to avoid collisions.

const keyPrefix = "playbook:"

// runKey returns the key for a run record: playbook:run:{id}
func runKey(id string) string { return keyPrefix + "run:" + id }

// runIDsKey is the Set tracking all run IDs for enumeration.
const runIDsKey = keyPrefix + "run_ids"

// stepsKey returns the Hash key for a run's step records, keyed by
// step key: playbook:steps:{runID}
func stepsKey(runID string) string { return keyPrefix + "steps:" + runID }

// logsKey returns the List key for a step's log lines:
// playbook:logs:{runID}:{step}
func logsKey(runID, step string) string {
	return keyPrefix + "logs:" + runID + ":" + step
}
