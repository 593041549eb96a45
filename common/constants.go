// Package common provides shared constants, types, and utilities
// used across the WARP Manager application.
package common

import "time"

// Application metadata.
const (
	// AppName is the display name of the application.
	AppName = "WARP Manager"
	// ConfigDirName is the name of the configuration directory.
	ConfigDirName = "warp-manager"
)

// File names used by the application.
const (
	ConfigFileName      = "config.yaml"
	SettingsFileName    = "settings.db"
	CredentialsFileName = ".credentials"
	LogFileName         = "warp-manager.log"
	ProcessLogFileName  = "warp-plus.log"
	TunConfigFileName   = "sb-tun.json"
)

// Default timeouts and intervals.
const (
	// ReadinessTimeout is the default maximum wait for the serving marker.
	ReadinessTimeout = 90 * time.Second
	// NetworkTimeout bounds a single system proxy or tunnel enable/disable call.
	NetworkTimeout = 30 * time.Second
	// ProcessWaitDelay bounds how long output copying may outlive a killed process.
	ProcessWaitDelay = 2 * time.Second
	// HealthInterval is how often the local endpoint is probed while connected.
	HealthInterval = 30 * time.Second
	// ReconnectDelay is the delay before attempting to reconnect.
	ReconnectDelay = 5 * time.Second
)

// Default user settings, applied when the settings store has no value.
const (
	DefaultHostIP    = "127.0.0.1"
	DefaultPort      = 8086
	DefaultProxyMode = ProxyModeSystem
	DefaultLang      = "en"
	DefaultMethod    = MethodWarp
)

// Proxy mode setting values.
const (
	ProxyModeNone   = "none"
	ProxyModeSystem = "system"
	ProxyModeTun    = "tun"
)

// Tunnel method setting values.
const (
	MethodWarp    = "warp"
	MethodGool    = "gool"
	MethodPsiphon = "psiphon"
)

// Settings keys.
const (
	KeyPort       = "port"
	KeyHostIP     = "hostIP"
	KeyProxyMode  = "proxyMode"
	KeyLang       = "lang"
	KeyMethod     = "method"
	KeyLocation   = "location"
	KeyEndpoint   = "endpoint"
	KeyIPVersion  = "ipVersion"
	KeyDNS        = "dns"
	KeyReuseScan  = "reuseScanResult"
	KeyScanResult = "scanResult"
)

// UI constants.
const (
	// TrayIconSize is the size of the system tray icon.
	TrayIconSize = 22
)
