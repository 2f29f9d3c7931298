package internal

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/custodian/internal/backup"
	"github.com/starford/custodian/internal/guardian"
	"github.com/starford/custodian/internal/registry"
	"github.com/starford/custodian/internal/watcher"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// registryLockFile, inside the state directory, serializes registry writers
// across processes sharing a workspace.
const registryLockFile = "registry.lock"

// Config represents the application configuration.
type Config struct {
	App       ApplicationConfig `yaml:"app"`
	Workspace WorkspaceConfig   `yaml:"workspace"`
	Watch     WatchConfig       `yaml:"watch"`
	Registry  RegistryConfig    `yaml:"registry"`
	Backup    BackupConfig      `yaml:"backup"`
	Integrity IntegrityConfig   `yaml:"integrity"`
	Standards StandardsConfig   `yaml:"standards"`
	HTTP      HTTPConfig        `yaml:"http"`
	Auth      AuthConfig        `yaml:"auth"`
	Notify    NotifyConfig      `yaml:"notify"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	for _, v := range []interface{ Validate() error }{
		&c.Workspace, &c.Watch, &c.Registry, &c.Backup, &c.Integrity,
		&c.Standards, &c.HTTP, &c.Auth, &c.Notify,
	} {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
}

// WorkspaceConfig locates the managed tree and custodian's own state.
type WorkspaceConfig struct {
	Root string `yaml:"root"`
	// StateDir holds the registry and backups; relative to Root unless
	// absolute. It is always ignored by the watcher.
	StateDir string `yaml:"state_dir"`
}

// Validate validates the workspace configuration.
func (c *WorkspaceConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Root, validation.Required),
		validation.Field(&c.StateDir, validation.Required),
	)
}

// StatePath resolves p against the state directory.
func (c *WorkspaceConfig) StatePath(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	dir := c.StateDir
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(c.Root, dir)
	}
	return filepath.Join(dir, p)
}

// WatchConfig controls which files are tracked and how events are batched.
type WatchConfig struct {
	// Paths are watched roots relative to the workspace root.
	Paths      []string      `yaml:"paths"`
	Ignore     []string      `yaml:"ignore"`
	IgnoreDirs []string      `yaml:"ignore_dirs"`
	Throttle   time.Duration `yaml:"throttle"`
}

// Validate validates the watch configuration.
func (c *WatchConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Paths, validation.Required),
		validation.Field(&c.Throttle, validation.Required, validation.Min(time.Millisecond)),
	)
}

// RegistryConfig selects the registry persister.
type RegistryConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

// Validate validates the registry configuration.
func (c *RegistryConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Driver, validation.Required, validation.In(registry.DriverSQLite, registry.DriverJSON)),
		validation.Field(&c.Path, validation.Required),
	)
}

// BackupConfig locates backups and sets their retention.
//
// AutoBackup applies the retention policy after every snapshot; snapshots
// themselves are always taken.
type BackupConfig struct {
	Dir        string        `yaml:"dir"`
	AutoBackup bool          `yaml:"auto_backup"`
	KeepLast   int           `yaml:"keep_last"`
	MaxAge     time.Duration `yaml:"max_age"`
}

// Validate validates the backup configuration.
func (c *BackupConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Dir, validation.Required),
		validation.Field(&c.KeepLast, validation.Min(0)),
		validation.Field(&c.MaxAge, validation.Min(time.Duration(0))),
	)
}

// Policy builds the retention policy described by c.
func (c *BackupConfig) Policy() backup.RetentionPolicy {
	var ps []backup.RetentionPolicy
	if c.KeepLast > 0 {
		ps = append(ps, backup.KeepLast(c.KeepLast))
	}
	if c.MaxAge > 0 {
		ps = append(ps, backup.MaxAge(c.MaxAge))
	}
	if len(ps) == 0 {
		return backup.KeepAll()
	}
	return backup.Combine(ps...)
}

// IntegrityConfig tunes registration and conflict detection.
type IntegrityConfig struct {
	AutoRegister        bool    `yaml:"auto_register"`
	NotifyConflicts     bool    `yaml:"notify_conflicts"`
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
}

// Validate validates the integrity configuration.
func (c *IntegrityConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.SimilarityThreshold, validation.Required, validation.Min(0.01), validation.Max(1.0)),
	)
}

// StandardsConfig selects the standards rules.
type StandardsConfig struct {
	// Rules enables rules by name; empty enables all.
	Rules         []string `yaml:"rules"`
	NamingPattern string   `yaml:"naming_pattern"`
}

// Validate validates the standards configuration.
func (c *StandardsConfig) Validate() error {
	rules := make([]interface{}, len(guardian.AllRules))
	for i, r := range guardian.AllRules {
		rules[i] = r
	}
	return validation.ValidateStruct(c,
		validation.Field(&c.Rules, validation.Each(validation.In(rules...))),
	)
}

// HTTPConfig holds HTTP server configuration for the watch daemon.
type HTTPConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// AuthConfig holds authentication configuration.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication required, suitable for local use.
//   - "token": Bearer token authentication; Token must be non-empty.
type AuthConfig struct {
	Mode  string `yaml:"mode"`
	Token string `yaml:"token"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	if c.Mode == "" {
		c.Mode = AuthModeDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeDisabled, AuthModeToken)),
	); err != nil {
		return err
	}
	if c.Mode == AuthModeToken && c.Token == "" {
		return fmt.Errorf("auth: mode is %q but token is empty", AuthModeToken)
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == AuthModeToken
}

// NotifyConfig tunes event delivery.
type NotifyConfig struct {
	MaxAttempts int `yaml:"max_attempts"`
}

// Validate validates the notify configuration.
func (c *NotifyConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.MaxAttempts, validation.Required, validation.Min(1), validation.Max(100)),
	)
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
		},
		Workspace: WorkspaceConfig{
			Root:     ".",
			StateDir: ".custodian",
		},
		Watch: WatchConfig{
			Paths:      []string{"."},
			IgnoreDirs: []string{".git", "node_modules"},
			Throttle:   watcher.DefaultThrottle,
		},
		Registry: RegistryConfig{
			Driver: registry.DriverSQLite,
			Path:   "registry.db",
		},
		Backup: BackupConfig{
			Dir:        "backups",
			AutoBackup: true,
			KeepLast:   10,
		},
		Integrity: IntegrityConfig{
			AutoRegister:        false,
			NotifyConflicts:     true,
			SimilarityThreshold: 0.9,
		},
		HTTP: HTTPConfig{
			Port: 8080,
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
		Notify: NotifyConfig{
			MaxAttempts: 3,
		},
	}
}
