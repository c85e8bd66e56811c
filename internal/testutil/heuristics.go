package testutil

import "time"

// DeliveryTimeout bounds how long tests wait for a message to cross the
// bridge: engine loop, host thread, and back.
//
// Rationale:
//   - each hop is a channel send plus an event loop turn, well under 1ms
//   - CI machines under -race can stall goroutines for hundreds of ms
//   - tests that time out here are hung, not slow
const DeliveryTimeout = 5 * time.Second

// QuietPeriod is how long tests wait to assert that nothing arrives, e.g.
// a post to a destroyed instance.
//
// Rationale:
//   - long enough for several loop turns on a loaded machine
//   - short enough that negative assertions don't dominate the suite
const QuietPeriod = 100 * time.Millisecond

// PollingInterval is the default interval between condition checks in
// Poll and WaitForState.
const PollingInterval = 5 * time.Millisecond
