package cli

import (
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/yllada/warp-manager/common"
	"github.com/yllada/warp-manager/keyring"
	"github.com/yllada/warp-manager/settings"
	"github.com/yllada/warp-manager/vpn"
)

// validateSetting checks value for key before it is stored.
func validateSetting(key, value string) error {
	if !settings.Known(key) {
		return fmt.Errorf("%w: unknown setting %q", errUsage, key)
	}
	switch key {
	case common.KeyPort:
		port, err := strconv.Atoi(value)
		if err != nil || port < 1 || port > 65535 {
			return fmt.Errorf("%w: port must be between 1 and 65535", common.ErrInvalidEndpoint)
		}
	case common.KeyHostIP:
		if _, err := netip.ParseAddr(value); err != nil {
			return fmt.Errorf("%w: hostIP must be an IP address", common.ErrInvalidEndpoint)
		}
	case common.KeyProxyMode:
		if _, err := vpn.ParseMode(value); err != nil {
			return err
		}
	case common.KeyMethod:
		switch value {
		case common.MethodWarp, common.MethodGool, common.MethodPsiphon:
		default:
			return fmt.Errorf("%w: method must be warp, gool or psiphon", errUsage)
		}
	case common.KeyIPVersion:
		if value != "" && value != "4" && value != "6" {
			return fmt.Errorf("%w: ipVersion must be 4 or 6", errUsage)
		}
	case common.KeyEndpoint, common.KeyScanResult:
		if value != "" {
			if _, err := netip.ParseAddrPort(value); err != nil {
				return fmt.Errorf("%w: %s must be IP:port", common.ErrInvalidEndpoint, key)
			}
		}
	case common.KeyReuseScan:
		if _, err := strconv.ParseBool(value); err != nil {
			return fmt.Errorf("%w: reuseScanResult must be true or false", errUsage)
		}
	}
	return nil
}

func (a *App) cmdGet(args []string) error {
	fs := a.newFlagSet("get", "[KEY]")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	store, err := a.settings()
	if err != nil {
		return err
	}

	if fs.NArg() == 1 {
		key := fs.Arg(0)
		if !settings.Known(key) {
			return fmt.Errorf("%w: unknown setting %q", errUsage, key)
		}
		fmt.Fprintln(a.Stdout, settings.String(store, key, settings.Defaults[key]))
		return nil
	}

	values, err := store.All()
	if err != nil {
		return err
	}
	merged := make(map[string]string, len(settings.Defaults)+len(values))
	for k, v := range settings.Defaults {
		merged[k] = v
	}
	for k, v := range values {
		merged[k] = v
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	w := tabwriter.NewWriter(a.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tVALUE\tSOURCE")
	for _, k := range keys {
		source := "default"
		if _, ok := values[k]; ok {
			source = "user"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", k, merged[k], source)
	}
	return w.Flush()
}

func (a *App) cmdSet(args []string) error {
	fs := a.newFlagSet("set", "KEY VALUE")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if fs.NArg() != 2 {
		fs.Usage()
		return fmt.Errorf("%w: set needs KEY and VALUE", errUsage)
	}
	key, value := fs.Arg(0), strings.TrimSpace(fs.Arg(1))
	if key == common.KeyLocation || key == common.KeyProxyMode {
		value = strings.ToLower(value)
	}
	if err := validateSetting(key, value); err != nil {
		return err
	}

	store, err := a.settings()
	if err != nil {
		return err
	}
	if err := store.Set(key, value); err != nil {
		return err
	}
	common.LogDebug("CLI: %s set to %q", key, value)
	fmt.Fprintf(a.Stdout, "%s = %s\n", key, value)
	return nil
}

func (a *App) cmdUnset(args []string) error {
	fs := a.newFlagSet("unset", "KEY")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return fmt.Errorf("%w: unset needs KEY", errUsage)
	}
	key := fs.Arg(0)
	if !settings.Known(key) {
		return fmt.Errorf("%w: unknown setting %q", errUsage, key)
	}
	store, err := a.settings()
	if err != nil {
		return err
	}
	if err := store.Delete(key); err != nil {
		return err
	}
	fmt.Fprintf(a.Stdout, "%s reset\n", key)
	return nil
}

func (a *App) cmdLicense(args []string) error {
	fs := a.newFlagSet("license", "set KEY | show | remove")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	creds, err := a.credentials()
	if err != nil {
		return err
	}

	switch fs.Arg(0) {
	case "set":
		if fs.NArg() != 2 || strings.TrimSpace(fs.Arg(1)) == "" {
			fs.Usage()
			return fmt.Errorf("%w: license set needs KEY", errUsage)
		}
		if err := creds.Store(keyring.LicenseKey, strings.TrimSpace(fs.Arg(1))); err != nil {
			return err
		}
		fmt.Fprintln(a.Stdout, "License key saved")
	case "show", "":
		key, err := creds.Get(keyring.LicenseKey)
		if err != nil {
			if errors.Is(err, keyring.ErrNotFound) {
				fmt.Fprintln(a.Stdout, "No license key set")
				return nil
			}
			return err
		}
		fmt.Fprintln(a.Stdout, maskSecret(key))
	case "remove":
		if err := creds.Delete(keyring.LicenseKey); err != nil && !errors.Is(err, keyring.ErrNotFound) {
			return err
		}
		fmt.Fprintln(a.Stdout, "License key removed")
	default:
		fs.Usage()
		return fmt.Errorf("%w: unknown license action %q", errUsage, fs.Arg(0))
	}
	return nil
}

func (a *App) cmdStatus(args []string) error {
	fs := a.newFlagSet("status", "")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	store, err := a.settings()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(a.Stdout, 0, 0, 2, ' ', 0)
	req, reqErr := vpn.RequestFromSettings(store)
	if reqErr != nil {
		fmt.Fprintf(w, "Settings:\tinvalid (%v)\n", reqErr)
	} else {
		fmt.Fprintf(w, "Mode:\t%s\n", req.Mode)
		fmt.Fprintf(w, "Address:\t%s\n", req.Address())
	}
	fmt.Fprintf(w, "Method:\t%s\n", settings.String(store, common.KeyMethod, common.DefaultMethod))
	fmt.Fprintf(w, "Database:\t%s\n", store.Path())
	if ep := settings.String(store, common.KeyScanResult, ""); ep != "" {
		fmt.Fprintf(w, "Last endpoint:\t%s\n", ep)
	}

	records, err := store.History(1)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(w, "Last session:\tnone")
		return w.Flush()
	}
	r := records[0]
	switch {
	case r.EndedAt.IsZero() && !r.ConnectedAt.IsZero():
		fmt.Fprintf(w, "Last session:\tactive since %s (%s)\n", r.ConnectedAt.Format(time.DateTime), formatDuration(time.Since(r.ConnectedAt)))
	case r.EndedAt.IsZero():
		fmt.Fprintf(w, "Last session:\tstarted %s, not connected\n", r.StartedAt.Format(time.DateTime))
	default:
		fmt.Fprintf(w, "Last session:\tended %s, %s\n", r.EndedAt.Format(time.DateTime), r.Outcome)
	}
	return w.Flush()
}

func (a *App) cmdHistory(args []string) error {
	fs := a.newFlagSet("history", "[--limit N]")
	limit := fs.IntP("limit", "n", 20, "Number of sessions to show")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	store, err := a.settings()
	if err != nil {
		return err
	}
	records, err := store.History(*limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(a.Stdout, "No sessions recorded.")
		return nil
	}

	w := tabwriter.NewWriter(a.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tMODE\tADDRESS\tCONNECTED\tOUTCOME")
	for _, r := range records {
		connected := "-"
		if d := r.Duration(); d > 0 {
			connected = formatDuration(d)
		} else if !r.ConnectedAt.IsZero() && r.EndedAt.IsZero() {
			connected = "active"
		}
		outcome := r.Outcome
		if outcome == "" {
			outcome = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			r.StartedAt.Format(time.DateTime), r.Mode, r.Address, connected, outcome)
	}
	return w.Flush()
}

// maskSecret keeps the last four characters of s visible.
func maskSecret(s string) string {
	if len(s) <= 4 {
		return strings.Repeat("*", len(s))
	}
	return strings.Repeat("*", len(s)-4) + s[len(s)-4:]
}

// formatDuration formats a duration in a human-readable format.
func formatDuration(d time.Duration) string {
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
