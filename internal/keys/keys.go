// Package keys centralizes Redis key construction.
// It is kept in internal to avoid leaking key formats to public API.
package keys

// AccountPrefix is the account key prefix up to the hash tag; scripts that
// derive an account key from a reservation record complete it with the
// principal id and closing brace.
const AccountPrefix = "opensway:account:{"

func Task(id string) string { return "opensway:task:{" + id + "}" }

func Account(principalID string) string { return AccountPrefix + principalID + "}" }

func Reservation(id string) string { return "opensway:resv:{" + id + "}" }

// StatusIndex is a SET of task ids per lifecycle state, maintained by the
// transition script so maintenance sweeps can list without scanning.
func StatusIndex(status string) string { return "opensway:status:" + status }
