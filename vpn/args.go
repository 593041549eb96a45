package vpn

import (
	"errors"
	"net/netip"
	"strings"

	"github.com/yllada/warp-manager/common"
	"github.com/yllada/warp-manager/keyring"
	"github.com/yllada/warp-manager/settings"
)

// defaultPsiphonCountry is used when psiphon is selected without a location.
const defaultPsiphonCountry = "US"

// ArgsBuilder builds the warp-plus command line from user settings.
type ArgsBuilder struct {
	Settings common.SettingsStore
	// Credentials holds the license key. It may be nil.
	Credentials common.CredentialStore
}

// Build returns the warp-plus arguments for req.
func (b *ArgsBuilder) Build(req ConnectRequest) ([]string, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	s := b.Settings

	args := []string{"--bind", req.Address()}

	switch settings.String(s, common.KeyIPVersion, "") {
	case "4":
		args = append(args, "-4")
	case "6":
		args = append(args, "-6")
	}

	switch method := settings.String(s, common.KeyMethod, common.DefaultMethod); method {
	case common.MethodGool:
		args = append(args, "--gool")
	case common.MethodPsiphon:
		country := strings.ToUpper(settings.String(s, common.KeyLocation, defaultPsiphonCountry))
		args = append(args, "--cfon", "--country", country)
	case common.MethodWarp:
	default:
		common.LogWarn("Args: unknown method %q, using warp", method)
	}

	args = append(args, b.endpointArgs()...)

	if key := b.license(); key != "" {
		args = append(args, "--key", key)
	}

	if dns := settings.String(s, common.KeyDNS, ""); dns != "" {
		args = append(args, "--dns", dns)
	}

	return args, nil
}

// endpointArgs prefers a user endpoint, then the last good scan result,
// and falls back to scanning.
func (b *ArgsBuilder) endpointArgs() []string {
	s := b.Settings
	if ep := settings.String(s, common.KeyEndpoint, ""); ep != "" {
		return []string{"--endpoint", ep}
	}

	if settings.Bool(s, common.KeyReuseScan, true) {
		if last := settings.String(s, common.KeyScanResult, ""); last != "" {
			if _, err := netip.ParseAddrPort(last); err == nil {
				return []string{"--endpoint", last}
			}
			common.LogWarn("Args: ignoring malformed saved endpoint %q", last)
		}
	}
	return []string{"--scan"}
}

func (b *ArgsBuilder) license() string {
	if b.Credentials == nil {
		return ""
	}
	key, err := b.Credentials.Get(keyring.LicenseKey)
	if err != nil {
		if !errors.Is(err, common.ErrCredentialsNotFound) {
			common.LogWarn("Args: reading license key: %v", err)
		}
		return ""
	}
	return strings.TrimSpace(key)
}

// RequestFromSettings builds a connect request from the proxyMode, hostIP
// and port settings.
func RequestFromSettings(s common.SettingsStore) (ConnectRequest, error) {
	mode, err := ParseMode(settings.String(s, common.KeyProxyMode, common.DefaultProxyMode))
	if err != nil {
		return ConnectRequest{}, err
	}
	req := ConnectRequest{
		Mode:        mode,
		HostAddress: settings.String(s, common.KeyHostIP, common.DefaultHostIP),
		Port:        settings.Int(s, common.KeyPort, common.DefaultPort),
	}
	return req, req.Validate()
}
