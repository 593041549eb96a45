package tun

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/tidwall/jsonc"

	"github.com/yllada/warp-manager/common"
)

// DefaultTemplate is used when no template file is configured or found.
// warp-plus itself is routed direct so its own traffic does not loop
// back into the tunnel.
const DefaultTemplate = `{
  // sing-box tun configuration rendered by warp-manager
  "log": {"level": "info", "timestamp": true},
  "dns": {
    "servers": [
      {"tag": "remote", "address": "1.1.1.1", "detour": "proxy"},
      {"tag": "local", "address": "local", "detour": "direct"},
    ],
    "final": "remote",
  },
  "inbounds": [
    {
      "type": "tun",
      "tag": "tun-in",
      "interface_name": "warp-tun",
      "address": ["172.19.0.1/30"],
      "mtu": 9000,
      "auto_route": true,
      "strict_route": true,
      "stack": "mixed",
    },
  ],
  "outbounds": [
    // server and server_port are replaced with the warp-plus endpoint
    {"type": "socks", "tag": "proxy", "server": "127.0.0.1", "server_port": 8086, "version": "5"},
    {"type": "direct", "tag": "direct"},
  ],
  "route": {
    "rules": [
      {"process_name": ["warp-plus"], "outbound": "direct"},
    ],
    "auto_detect_interface": true,
    "final": "proxy",
  },
}`

// loadTemplate reads the template at path, falling back to DefaultTemplate
// when path is empty or missing.
func loadTemplate(path string) ([]byte, error) {
	if path == "" || !common.FileExists(path) {
		if path != "" {
			common.LogDebug("Tun: template %s not found, using the built-in one", path)
		}
		return []byte(DefaultTemplate), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tun template: %w", err)
	}
	return data, nil
}

// Render turns a JSONC template into a sing-box config whose socks
// outbounds point at address.
func Render(template []byte, address string) ([]byte, error) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrInvalidEndpoint, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return nil, fmt.Errorf("%w: port %q", common.ErrInvalidEndpoint, portStr)
	}

	var cfg map[string]any
	if err := json.Unmarshal(jsonc.ToJSON(template), &cfg); err != nil {
		return nil, fmt.Errorf("parse tun template: %w", err)
	}

	outbounds, _ := cfg["outbounds"].([]any)
	patched := 0
	for _, o := range outbounds {
		ob, ok := o.(map[string]any)
		if !ok || ob["type"] != "socks" {
			continue
		}
		ob["server"] = host
		ob["server_port"] = port
		patched++
	}
	if patched == 0 {
		return nil, fmt.Errorf("tun template has no socks outbound")
	}

	return json.MarshalIndent(cfg, "", "  ")
}
