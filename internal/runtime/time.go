package runtime

import "time"

// parseDockerTime parses the RFC3339Nano timestamps the Engine API returns
// for container state fields (StartedAt, FinishedAt).
func parseDockerTime(s string) (time.Time, error) {
	if s == "" || s == "0001-01-01T00:00:00Z" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
