// Package main provides the entry point for WARP Manager.
// WARP Manager runs the warp-plus client in the foreground and points the
// desktop at it, either through the system proxy settings or a sing-box
// tun interface.
//
// Features:
//   - Connect, disconnect and reconnect with a single foreground command
//   - System proxy (GNOME) and virtual tunnel (sing-box) network modes
//   - Tray indicator with mode selection
//   - Desktop notifications and endpoint health checks
//   - Secure license key storage using the system keyring
//
// Usage:
//
//	warp-manager [options] command [args]
//
// Environment:
//
//	warp-plus must be installed in the data directory or configured in
//	config.yaml. Tunnel mode additionally needs sing-box.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/yllada/warp-manager/cli"
	"github.com/yllada/warp-manager/common"
)

// Build-time variables injected via ldflags (-X main.appVersion=x.y.z)
// Default values are used for local development builds
var (
	appVersion = "dev"
	buildTime  = "unknown"
	commitSHA  = "unknown"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	app := cli.New(appVersion, buildTime, commitSHA)

	// Verbose must be known before the logger starts
	logLevel := common.LevelInfo
	if verboseRequested(args) {
		logLevel = common.LevelDebug
	} else {
		// Keep command output clean; the log file still gets everything
		common.GetLogger().SetConsole(false)
	}

	if err := common.InitLogger(common.LogConfig{
		Level:       logLevel,
		EnableFile:  true,
		MaxFileSize: 5 * 1024 * 1024, // 5MB
		MaxBackups:  5,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not initialize file logging: %v\n", err)
	}
	defer common.CloseLogger()

	common.LogDebug("Starting %s v%s", common.AppName, appVersion)
	if err := app.Run(args); err != nil {
		common.LogError("%v", err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if cli.IsUsage(err) {
			return 2
		}
		return 1
	}
	return 0
}

// verboseRequested scans the global options for -v or --verbose.
func verboseRequested(args []string) bool {
	for i := 0; i < len(args); i++ {
		switch arg := args[i]; {
		case arg == "-v" || arg == "--verbose":
			return true
		case arg == "--config":
			i++
		case arg == "--" || !strings.HasPrefix(arg, "-"):
			return false
		}
	}
	return false
}
