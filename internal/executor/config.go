package executor

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/testpulse/testpulse/internal/domain"
)

// CommandConfig is the YAML file that maps each execution kind to a command
// line. Arguments may reference {run_id}, {kind} and {scope}.
type CommandConfig struct {
	WorkDir  string                   `yaml:"workdir"`
	LogDir   string                   `yaml:"log_dir"`
	Env      map[string]string        `yaml:"env"`
	Commands map[domain.Kind][]string `yaml:"commands"`
}

func LoadCommandConfig(path string) (CommandConfig, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return CommandConfig{}, errors.New("executor config path is required")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return CommandConfig{}, fmt.Errorf("read executor config: %w", err)
	}
	return ParseCommandConfig(raw)
}

func ParseCommandConfig(raw []byte) (CommandConfig, error) {
	var cfg CommandConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return CommandConfig{}, fmt.Errorf("parse executor config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return CommandConfig{}, err
	}
	return cfg, nil
}

func (c CommandConfig) Validate() error {
	if len(c.Commands) == 0 {
		return errors.New("executor config has no commands")
	}
	for kind, argv := range c.Commands {
		if !kind.Valid() {
			return fmt.Errorf("executor config: unknown kind %q", kind)
		}
		if len(argv) == 0 || strings.TrimSpace(argv[0]) == "" {
			return fmt.Errorf("executor config: empty command for %s", kind)
		}
	}
	for key := range c.Env {
		if isReservedEnvKey(key) {
			return fmt.Errorf("executor config: env %s is reserved", key)
		}
	}
	return nil
}

// Kinds lists the configured kinds in name order.
func (c CommandConfig) Kinds() []string {
	out := make([]string, 0, len(c.Commands))
	for kind := range c.Commands {
		out = append(out, string(kind))
	}
	sort.Strings(out)
	return out
}

// Argv expands the command template for req.
func (c CommandConfig) Argv(req LaunchRequest) ([]string, error) {
	tmpl, ok := c.Commands[req.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoCommand, req.Kind)
	}
	replacer := strings.NewReplacer(
		"{run_id}", req.RunID,
		"{kind}", string(req.Kind),
		"{scope}", req.ScopeKey,
	)
	out := make([]string, 0, len(tmpl))
	for _, arg := range tmpl {
		out = append(out, replacer.Replace(arg))
	}
	return out, nil
}

func isReservedEnvKey(key string) bool {
	switch strings.ToUpper(strings.TrimSpace(key)) {
	case "TESTPULSE_RUN_ID", "TESTPULSE_RUN_KIND", "TESTPULSE_SCOPE_KEY", "TESTPULSE_REPORT_URL":
		return true
	default:
		return false
	}
}
