package commands

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/urfave/cli/v3"

	"github.com/forestmail/forest-mail/internal/app"
)

// envPrefix marks the variables read into the config tree.
// FORESTMAIL_MAIL__SEND_RATE__WINDOW=30s sets mail.send_rate.window.
const envPrefix = "FORESTMAIL_"

// localFlags are command options that never reach the config tree.
var localFlags = map[string]bool{
	"config": true,
	"c":      true,
	"token":  true,
	"json":   true,
	"query":  true,
}

// loadConfig builds the Forest Mail config. Later layers override earlier ones:
// the TOML file at configPath, FORESTMAIL_ variables, then flags set on cmd.
// Defaults fill whatever is still empty and the result is validated.
func loadConfig(configPath string, cmd *cli.Command, environFunc func() []string) (*app.Config, error) {
	k := koanf.New(".")

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", configPath, err)
		}
	}

	envProvider := env.Provider(".", env.Opt{
		Prefix: envPrefix,
		TransformFunc: func(key, value string) (string, any) {
			return envKey(key), value
		},
		EnvironFunc: environFunc,
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("reading %s environment: %w", envPrefix, err)
	}

	if cmd != nil {
		if err := k.Load(confmap.Provider(setFlags(cmd), "."), nil); err != nil {
			return nil, fmt.Errorf("reading flags: %w", err)
		}
	}

	cfg := &app.Config{}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.ApplyDefaults(); err != nil {
		return nil, fmt.Errorf("applying defaults: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// envKey maps FORESTMAIL_STORAGE__BOLT_PATH to storage.bolt_path.
func envKey(name string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimPrefix(name, envPrefix), "__", "."))
}

// flagKey maps --mail--send-rate--requests to mail.send_rate.requests.
func flagKey(name string) string {
	return strings.ReplaceAll(strings.ReplaceAll(name, "--", "."), "-", "_")
}

// setFlags collects the config flags given on the command line, parent
// command flags included. Flags left at their default are skipped so they
// do not mask the file or environment.
func setFlags(cmd *cli.Command) map[string]any {
	values := make(map[string]any)
	for _, name := range cmd.FlagNames() {
		if localFlags[name] || !cmd.IsSet(name) {
			continue
		}
		if value := cmd.Value(name); value != nil {
			values[flagKey(name)] = value
		}
	}
	return values
}
