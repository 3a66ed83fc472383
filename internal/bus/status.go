package bus

// UI surface names an execution_status payload is enriched with.
const (
	SurfaceStream   = "stream"
	SurfaceActivity = "activity"
)

// RouteToSurface is the pure status -> UI surface mapping. Every status
// outside the known terminal/running set falls through to the dual-emit
// default rather than being dropped silently.
func RouteToSurface(status string) []string {
	switch status {
	case StatusRunning:
		return []string{SurfaceActivity}
	case StatusDone, StatusFailed, StatusStuck, StatusBlocked, StatusVerificationFailed:
		return []string{SurfaceStream, SurfaceActivity}
	default:
		return []string{SurfaceStream, SurfaceActivity}
	}
}
