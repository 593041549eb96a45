// Package cli provides the command-line interface of WARP Manager.
// Every command runs in the foreground of the invoking terminal; the
// warp-plus session lives exactly as long as the connect or tray command.
package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"

	"github.com/yllada/warp-manager/common"
	"github.com/yllada/warp-manager/config"
	"github.com/yllada/warp-manager/keyring"
	"github.com/yllada/warp-manager/settings"
)

// errUsage is returned when the command line cannot be understood.
var errUsage = errors.New("invalid usage")

// App holds the resources shared by all commands.
type App struct {
	Version   string
	BuildTime string
	Commit    string

	Stdout io.Writer
	Stderr io.Writer

	configPath string
	verbose    bool

	cfg   *config.Config
	store *settings.Store
	creds common.CredentialStore
}

// New creates an App writing to the process stdout and stderr.
func New(version, buildTime, commit string) *App {
	return &App{
		Version:   version,
		BuildTime: buildTime,
		Commit:    commit,
		Stdout:    os.Stdout,
		Stderr:    os.Stderr,
	}
}

type command struct {
	name    string
	summary string
	run     func(a *App, args []string) error
}

var commands = []command{
	{"connect", "Connect and stay in the foreground until interrupted", (*App).cmdConnect},
	{"tray", "Run the tray indicator", (*App).cmdTray},
	{"status", "Show settings and the last session", (*App).cmdStatus},
	{"history", "List recent sessions", (*App).cmdHistory},
	{"get", "Print settings", (*App).cmdGet},
	{"set", "Change a setting", (*App).cmdSet},
	{"unset", "Reset a setting to its default", (*App).cmdUnset},
	{"license", "Manage the WARP+ license key", (*App).cmdLicense},
}

// Run parses args (without the program name) and executes the command.
func (a *App) Run(args []string) error {
	fs := pflag.NewFlagSet("warp-manager", pflag.ContinueOnError)
	fs.SetInterspersed(false)
	fs.SetOutput(a.Stderr)
	fs.StringVar(&a.configPath, "config", "", "Path to config.yaml")
	fs.BoolVarP(&a.verbose, "verbose", "v", false, "Enable verbose logging")
	showVersion := fs.Bool("version", false, "Show version and exit")
	showHelp := fs.BoolP("help", "h", false, "Show this help message")
	fs.Usage = func() { a.usage(fs) }

	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	if *showVersion {
		fmt.Fprintf(a.Stdout, "%s %s\n", common.AppName, a.Version)
		if a.BuildTime != "unknown" && a.BuildTime != "" {
			fmt.Fprintf(a.Stdout, "  Build:  %s\n", a.BuildTime)
			fmt.Fprintf(a.Stdout, "  Commit: %s\n", a.Commit)
		}
		return nil
	}
	if *showHelp || fs.NArg() == 0 {
		a.usage(fs)
		return nil
	}

	name := fs.Arg(0)
	for _, c := range commands {
		if c.name == name {
			defer a.Close()
			return c.run(a, fs.Args()[1:])
		}
	}
	a.usage(fs)
	return fmt.Errorf("%w: unknown command %q", errUsage, name)
}

// Verbose reports whether --verbose was given.
func (a *App) Verbose() bool {
	return a.verbose
}

// Close releases the settings database.
func (a *App) Close() {
	if a.store != nil {
		a.store.Close()
		a.store = nil
	}
}

func (a *App) usage(fs *pflag.FlagSet) {
	fmt.Fprintf(a.Stdout, "%s - WARP client for the desktop\n\n", common.AppName)
	fmt.Fprintln(a.Stdout, "Usage:\n  warp-manager [OPTIONS] COMMAND [ARGS]")
	fmt.Fprintln(a.Stdout, "\nCommands:")
	for _, c := range commands {
		fmt.Fprintf(a.Stdout, "  %-10s %s\n", c.name, c.summary)
	}
	fmt.Fprintln(a.Stdout, "\nOptions:")
	fmt.Fprint(a.Stdout, fs.FlagUsages())
	fmt.Fprintln(a.Stdout, `
Examples:
  warp-manager connect
  warp-manager connect --mode tun
  warp-manager set port 8087
  warp-manager license set XXXXXXXX-XXXXXXXX-XXXXXXXX
  warp-manager history --limit 5`)
}

// configDir is where config.yaml, the settings database and the
// credential fallback live.
func (a *App) configDir() (string, error) {
	if a.configPath != "" {
		return filepath.Dir(a.configPath), nil
	}
	return common.GetConfigDir()
}

// config loads config.yaml once.
func (a *App) config() (*config.Config, error) {
	if a.cfg != nil {
		return a.cfg, nil
	}
	var (
		cfg *config.Config
		err error
	)
	if a.configPath == "" {
		cfg, err = config.Load()
	} else {
		cfg, err = config.LoadFrom(a.configPath)
	}
	if err != nil {
		return nil, err
	}
	a.cfg = cfg
	return cfg, nil
}

// settings opens the settings database once.
func (a *App) settings() (*settings.Store, error) {
	if a.store != nil {
		return a.store, nil
	}
	var (
		store *settings.Store
		err   error
	)
	if a.configPath == "" {
		store, err = settings.OpenDefault()
	} else {
		store, err = settings.Open(filepath.Join(filepath.Dir(a.configPath), common.SettingsFileName))
	}
	if err != nil {
		return nil, err
	}
	a.store = store
	return store, nil
}

// credentials returns the license key store.
func (a *App) credentials() (common.CredentialStore, error) {
	if a.creds != nil {
		return a.creds, nil
	}
	dir, err := a.configDir()
	if err != nil {
		return nil, err
	}
	a.creds = keyring.NewStore(dir)
	return a.creds, nil
}

// newFlagSet returns a flag set for a subcommand.
func (a *App) newFlagSet(name, args string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(a.Stderr)
	fs.Usage = func() {
		fmt.Fprintf(a.Stderr, "Usage: warp-manager %s %s\n", name, args)
		fmt.Fprint(a.Stderr, fs.FlagUsages())
	}
	return fs
}

// IsUsage reports whether err came from a malformed command line.
func IsUsage(err error) bool {
	return errors.Is(err, errUsage) || errors.Is(err, pflag.ErrHelp)
}
