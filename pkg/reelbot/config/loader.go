package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables consulted for secrets, in priority order.
var (
	APIKeyEnvVars       = []string{"REELBOT_API_KEY", "GROQ_API_KEY"}
	DiscordTokenEnvVars = []string{"REELBOT_DISCORD_TOKEN", "DISCORD_TOKEN"}
)

// envVarPattern matches ${VAR}, ${VAR:-default}, ${VAR:?message} and $VAR.
//
// Capture groups: 1 variable name (braced form), 2 modifier ("-" or "?"),
// 3 default value or message, 4 variable name (bare form).
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::(-|\?)([^}]*))?\}|\$([A-Z_][A-Z0-9_]*)`)

// LoadFromFile reads, expands and parses a YAML configuration file. .env
// files in the working directory are loaded first; variables already set in
// the environment win.
func LoadFromFile(path string) (*Config, error) {
	loadEnvFiles()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded, err := expandEnvVars(string(data))
	if err != nil {
		return nil, fmt.Errorf("expanding environment variables: %w", err)
	}

	cfg, err := Parse([]byte(expanded))
	if err != nil {
		return nil, err
	}

	resolveSecrets(cfg)
	resolveRelativePaths(cfg, filepath.Dir(path))
	checkFilePermissions(path)
	return cfg, nil
}

// Load returns the configuration at path, or the discovered config file
// when path is empty, or the defaults when no file exists.
func Load(path string) (*Config, string, error) {
	if path == "" {
		path = FindConfigFile()
	}
	if path == "" {
		loadEnvFiles()
		cfg := DefaultConfig()
		resolveSecrets(cfg)
		return cfg, "", nil
	}
	cfg, err := LoadFromFile(path)
	return cfg, path, err
}

// Parse overlays YAML bytes onto the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	return cfg, nil
}

// SaveToFile writes cfg as YAML with owner-only permissions. Secrets that
// came from the environment are written back as references, and the
// previous file is kept as path+".bak".
func SaveToFile(cfg *Config, path string) error {
	sanitized := *cfg
	sanitized.Assistant.APIKey = sanitizeSecret(cfg.Assistant.APIKey, APIKeyEnvVars)
	sanitized.Channels.Discord.Token = sanitizeSecret(cfg.Channels.Discord.Token, DiscordTokenEnvVars)

	data, err := yaml.Marshal(&sanitized)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}
	}
	if existing, err := os.ReadFile(path); err == nil {
		_ = os.WriteFile(path+".bak", existing, 0o600)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// FindConfigFile searches the standard locations.
func FindConfigFile() string {
	candidates := []string{
		"config.yaml",
		"config.yml",
		"reelbot.yaml",
		"reelbot.yml",
		"configs/config.yaml",
		"configs/reelbot.yaml",
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// AuditSecrets warns when a secret is stored in plain text in the file.
// Call it before ResolveAPIKey.
func AuditSecrets(cfg *Config, logger *slog.Logger) {
	key := cfg.Assistant.APIKey
	if looksLikeRealKey(key) && sanitizeSecret(key, APIKeyEnvVars) == key {
		logger.Warn("API key appears to be hardcoded in config",
			"hint", "use 'api_key: ${GROQ_API_KEY}' or 'reelbot config set-key'")
	}
}

func loadEnvFiles() {
	for _, f := range []string{".env", ".env.local"} {
		// Load never overwrites variables that are already set.
		_ = godotenv.Load(f)
	}
}

// expandEnvVars substitutes environment references in input. An unset
// variable with a ${VAR:?message} reference is an error; other unset
// references without a default are left as written.
func expandEnvVars(input string) (string, error) {
	var missing error

	out := envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		sub := envVarPattern.FindStringSubmatch(match)
		name, modifier, value, bare := sub[1], sub[2], sub[3], sub[4]

		if bare != "" {
			if v, ok := os.LookupEnv(bare); ok {
				return v
			}
			return match
		}

		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		switch modifier {
		case "-":
			return value
		case "?":
			if missing == nil {
				if value == "" {
					value = "required environment variable not set"
				}
				missing = fmt.Errorf("%s: %s", name, value)
			}
			return ""
		default:
			return match
		}
	})

	if missing != nil {
		return "", missing
	}
	return out, nil
}

// resolveSecrets fills empty or unexpanded secrets from the environment.
func resolveSecrets(cfg *Config) {
	if cfg.Assistant.APIKey == "" || IsEnvReference(cfg.Assistant.APIKey) {
		cfg.Assistant.APIKey = firstEnv(APIKeyEnvVars)
	}
	if cfg.Channels.Discord.Token == "" || IsEnvReference(cfg.Channels.Discord.Token) {
		cfg.Channels.Discord.Token = firstEnv(DiscordTokenEnvVars)
	}
}

func firstEnv(names []string) string {
	for _, n := range names {
		if v := os.Getenv(n); v != "" {
			return v
		}
	}
	return ""
}

// resolveRelativePaths anchors relative paths at the config directory so
// the bot behaves the same from any working directory.
func resolveRelativePaths(cfg *Config, configDir string) {
	for _, p := range []*string{
		&cfg.Database.Path,
		&cfg.Media.DownloadDir,
		&cfg.Media.YTDLP.CookiesFile,
		&cfg.Channels.WhatsApp.SessionDir,
		&cfg.Channels.WhatsApp.DatabasePath,
		&cfg.Channels.Console.HistoryFile,
		&cfg.Router.Profile.OwnerImage,
		&cfg.Router.Profile.QRImage,
	} {
		*p = resolvePath(*p, configDir)
	}
}

// resolvePath expands ~ and makes a relative path absolute under base.
func resolvePath(path, base string) string {
	if path == "" {
		return path
	}
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		path = filepath.Join(home, path[2:])
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(base, path)
}

// sanitizeSecret returns an environment reference when value came from one
// of envVars. Values that match none are kept as written.
func sanitizeSecret(value string, envVars []string) string {
	if value == "" || IsEnvReference(value) {
		return value
	}
	for _, name := range envVars {
		if os.Getenv(name) == value {
			return "${" + name + "}"
		}
	}
	return value
}

// IsEnvReference reports whether s is an unexpanded environment reference.
func IsEnvReference(s string) bool {
	return strings.HasPrefix(s, "$")
}

func looksLikeRealKey(s string) bool {
	if s == "" || IsEnvReference(s) {
		return false
	}
	return strings.HasPrefix(s, "gsk_") || strings.HasPrefix(s, "sk-") || len(s) > 20
}

// checkFilePermissions warns when the config file is readable by others.
func checkFilePermissions(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if mode := info.Mode().Perm(); mode&0o044 != 0 {
		slog.Warn("config file has open permissions, consider restricting",
			"path", path,
			"current", fmt.Sprintf("%04o", mode),
			"fix", fmt.Sprintf("chmod 600 %s", path),
		)
	}
}
