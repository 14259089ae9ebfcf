// ABOUTME: Disabled telemetry for tests, so real components run with telemetry switched off
// ABOUTME: No business logic is mocked here

package telemetry

// NewForTesting returns a no-op telemetry instance for use in tests.
func NewForTesting() Telemetry {
	return NewNoop()
}
