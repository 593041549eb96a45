// Package vpn orchestrates a warp-plus session for WARP Manager.
//
// A session is connected only when two independent sources agree: the
// network mode (direct, system proxy or virtual tunnel) has been applied,
// and the warp-plus process has printed its serving marker. Teardown is
// symmetric: the network mode must be restored and the process must have
// exited before the session counts as disconnected.
//
// # Architecture
//
//   - Manager: the event loop owning the single live Session
//   - Barrier: the two-gate AND barrier per direction
//   - Supervisor: spawns warp-plus and kills its whole process tree
//   - Scanner: extracts the readiness marker and scanned endpoints
//   - Classifier: turns known error lines into advisories
//   - ArgsBuilder: builds the warp-plus command line from settings
//   - HealthChecker: probes the local SOCKS5 endpoint while connected
//
// # Connection Flow
//
//  1. Connect resets the gates and emits "connecting"
//  2. The network mode is enabled and warp-plus is spawned concurrently
//  3. Each source sets its gate from a callback posted to the loop
//  4. When both connect gates are set, "connected:<mode>" fires once
//  5. Disconnect, process exit or a failed connect start the teardown
//  6. When both disconnect gates are set, "disconnected" fires once
//
// Every callback carries the generation of the session that started it,
// so completions from a superseded session are ignored.
//
// # Thread Safety
//
// Manager methods are safe for concurrent use. Session state is only
// touched by the goroutine running Manager.Run.
package vpn
