// Package common provides shared constants, types, utilities, and interfaces
// used throughout the WARP Manager application.
//
// This package serves as the foundation for cross-cutting concerns:
//
//   - Constants: timeouts, file names, settings keys and their defaults
//   - Errors: Sentinel errors for consistent error handling across packages
//   - Interfaces: Abstractions for settings, credential storage, notifications and logging
//   - Logger: Leveled application logging plus a raw logger for tunnel process output
//   - Utils: Common utility functions for file and binary lookups
//
// # Usage
//
//	// Use constants
//	timeout := common.ReadinessTimeout
//
//	// Use logger
//	common.LogInfo("Starting session %s", sessionID)
//
//	// Check errors
//	if errors.Is(err, common.ErrBinaryNotFound) {
//	    // Ask the user to reinstall
//	}
package common
