package config

import (
	"os"

	"github.com/spf13/pflag"
)

// SettingsEnv names the settings file when --settings is not given.
const SettingsEnv = "SAVEKIT_SETTINGS"

// flagAliases maps accepted alternative spellings to flag names.
var flagAliases = map[string]string{
	"django-settings": "settings",
	"reuse_db":        "reuse-db",
	"create_db":       "create-db",
	"skip_trans":      "skip-trans",
}

// Flags holds the command-line switches of a savekit run.
type Flags struct {
	ReuseDB   bool
	CreateDB  bool
	Migrate   bool
	SkipTrans bool
	KeepDB    bool
	Settings  string
	Verbosity int

	fs *pflag.FlagSet
}

// BindFlags registers the savekit flags on fs.
func BindFlags(fs *pflag.FlagSet) *Flags {
	f := &Flags{fs: fs}
	fs.BoolVar(&f.ReuseDB, "reuse-db", false, "Keep the test databases after the run and reuse them next time.")
	fs.BoolVar(&f.CreateDB, "create-db", false, "Recreate the test databases, even with --reuse-db.")
	fs.BoolVar(&f.Migrate, "migrate", false, "Run migrations on the test databases before the tests.")
	fs.BoolVar(&f.SkipTrans, "skip-trans", false, "Leave transactional tests out of the run.")
	fs.BoolVar(&f.KeepDB, "keep-db", false, "Do not drop the test databases on cleanup.")
	fs.StringVar(&f.Settings, "settings", "", "Settings file (YAML, TOML or JSON). Defaults to $"+SettingsEnv+".")
	fs.IntVar(&f.Verbosity, "verbosity", 0, "Migration verbosity, 0 to 3.")
	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		if alias, ok := flagAliases[name]; ok {
			name = alias
		}
		return pflag.NormalizedName(name)
	})
	return f
}

// ParseArgs parses args with a private flag set, ignoring flags savekit
// does not know, so it can be fed whatever follows "go test -args".
func ParseArgs(args []string) (*Flags, error) {
	fs := pflag.NewFlagSet("savekit", pflag.ContinueOnError)
	fs.ParseErrorsWhitelist.UnknownFlags = true
	f := BindFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return f, nil
}

// SettingsPath returns the settings file to load: the flag when given,
// otherwise $SAVEKIT_SETTINGS, otherwise "".
func (f *Flags) SettingsPath() string {
	if f.Settings != "" {
		return f.Settings
	}
	return os.Getenv(SettingsEnv)
}

// Options turns the switches that were set into options.
func (f *Flags) Options() []Option {
	var opts []Option
	if f.ReuseDB {
		opts = append(opts, WithReuseDB())
	}
	if f.CreateDB {
		opts = append(opts, WithCreateDB())
	}
	if f.Migrate {
		opts = append(opts, WithMigrate())
	}
	if f.SkipTrans {
		opts = append(opts, WithSkipTransactional())
	}
	if f.KeepDB {
		opts = append(opts, WithKeepDatabase())
	}
	if f.fs == nil || f.fs.Changed("verbosity") {
		opts = append(opts, WithVerbosity(f.Verbosity))
	}
	return opts
}
