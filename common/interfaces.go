// Package common provides shared constants, types, and utilities
// used across the WARP Manager application.
package common

// SettingsStore defines the user settings collaborator.
// Values are stored as strings; typed access goes through the helpers
// in the settings package.
type SettingsStore interface {
	// Get returns the value for key and whether it was present.
	Get(key string) (string, bool, error)
	// Set stores value under key, overwriting any previous value.
	Set(key, value string) error
}

// CredentialStore defines the interface for credential storage.
// Implementations may use system keyring, encrypted files, etc.
type CredentialStore interface {
	// Store saves a secret under the given name.
	Store(name, secret string) error
	// Get retrieves a secret.
	Get(name string) (string, error)
	// Delete removes a secret.
	Delete(name string) error
}

// Urgency is the priority of a desktop notification.
type Urgency byte

const (
	UrgencyLow Urgency = iota
	UrgencyNormal
	UrgencyCritical
)

// Notifier defines the interface for sending notifications.
type Notifier interface {
	// Notify sends a notification with the given title and message.
	Notify(title, message string, urgency Urgency) error
}

// Logger defines the interface for structured logging.
type Logger interface {
	// Debug logs a debug message.
	Debug(msg string, args ...interface{})
	// Info logs an informational message.
	Info(msg string, args ...interface{})
	// Warn logs a warning message.
	Warn(msg string, args ...interface{})
	// Error logs an error message.
	Error(msg string, args ...interface{})
}
