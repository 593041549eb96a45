// Package common provides shared constants, types, and utilities
// used across the WARP Manager application.
package common

import "errors"

// Sentinel errors for tunnel operations.
// These can be checked with errors.Is() for proper error handling.
var (
	// Session errors.
	ErrBusy             = errors.New("another session is in progress")
	ErrConnectionFailed = errors.New("connection failed")
	ErrTimeout          = errors.New("operation timed out")
	ErrCancelled        = errors.New("operation cancelled")
	ErrStopped          = errors.New("manager stopped")

	// Process errors.
	ErrBinaryNotFound = errors.New("tunnel binary not found")
	ErrSpawnFailed    = errors.New("failed to start process")
	ErrProcessExited  = errors.New("process exited")

	// Network mode errors.
	ErrNetworkMode     = errors.New("network mode change failed")
	ErrUnsupported     = errors.New("not supported on this desktop")
	ErrInvalidMode     = errors.New("invalid proxy mode")
	ErrInvalidEndpoint = errors.New("invalid endpoint")

	// Credential errors.
	ErrCredentialsNotFound = errors.New("credentials not found")
	ErrEncryption          = errors.New("encryption error")
	ErrDecryption          = errors.New("decryption error")

	// Configuration errors.
	ErrConfigLoad = errors.New("failed to load configuration")
	ErrConfigSave = errors.New("failed to save configuration")
	ErrSettings   = errors.New("settings store error")

	// Permission errors.
	ErrPermissionDenied = errors.New("permission denied")
)

// WrapError wraps an error with additional context.
func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return &wrappedError{
		msg: message,
		err: err,
	}
}

type wrappedError struct {
	msg string
	err error
}

func (e *wrappedError) Error() string {
	return e.msg + ": " + e.err.Error()
}

func (e *wrappedError) Unwrap() error {
	return e.err
}
