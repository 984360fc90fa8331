package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"lessonsync/internal/lessons"
	"lessonsync/internal/project"
)

// NOTE: This file provides the configuration model and full YAML-based
// load/save behavior, including first-run config creation and 0600
// permissions.

const (
	ConnectionToken    = "token"
	ConnectionPassword = "password"

	AccountChild  = "child"
	AccountParent = "parent"
)

// TimetableConfig describes how to reach the timetable feed.
type TimetableConfig struct {
	// ConnectionType is "token" (long-lived, rotating token) or "password".
	ConnectionType string `yaml:"connection_type" json:"connection_type"`
	// AccountType is "child" (single profile) or "parent" (multi-child).
	AccountType string `yaml:"account_type" json:"account_type"`
	// Child selects the profile for parent accounts.
	Child string `yaml:"child,omitempty" json:"child,omitempty"`
	// CredentialsFile holds the feed URL and secrets; rewritten on token rotation.
	CredentialsFile string `yaml:"credentials_file" json:"credentials_file"`
	// CacheDir stores the last fetched feed for conditional requests.
	CacheDir string `yaml:"cache_dir" json:"cache_dir"`
}

// GoogleCalendarConfig identifies the target calendar.
type GoogleCalendarConfig struct {
	CalendarID string `yaml:"calendar_id" json:"calendar_id"`
	// CredentialsFile is a service-account key JSON.
	CredentialsFile string `yaml:"credentials_file" json:"credentials_file"`
}

// SyncConfig controls the sync window and schedule.
type SyncConfig struct {
	// Weeks is the window length starting from the Monday of the current week.
	Weeks int `yaml:"weeks" json:"weeks"`
	// RefreshCron is the cron schedule used in daemon mode.
	RefreshCron string `yaml:"refresh" json:"refresh"`
	// DeterministicTiebreak sorts same-instant calendar events by id.
	DeterministicTiebreak bool `yaml:"deterministic_tiebreak" json:"deterministic_tiebreak"`
}

// TimeAdjustment rewrites lesson clock times on the listed weekdays.
// Keys and values are "H:MM" or "HH:MM".
type TimeAdjustment struct {
	Weekdays   []int             `yaml:"weekdays" json:"weekdays"`
	StartTimes map[string]string `yaml:"start_times,omitempty" json:"start_times,omitempty"`
	EndTimes   map[string]string `yaml:"end_times,omitempty" json:"end_times,omitempty"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the status server.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// LogLevel is DEBUG, INFO, WARN or ERROR. Empty defers to $LOG_LEVEL.
	LogLevel string `yaml:"log_level" json:"log_level"`
	// LogJSON switches log output to JSON lines.
	LogJSON bool `yaml:"log_json,omitempty" json:"log_json,omitempty"`

	// Listen is the optional status server address. Empty disables it.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA zone for floating feed times and the sync window.
	Timezone string `yaml:"timezone" json:"timezone"`

	Timetable      TimetableConfig      `yaml:"timetable" json:"timetable"`
	GoogleCalendar GoogleCalendarConfig `yaml:"google_calendar" json:"google_calendar"`
	Sync           SyncConfig           `yaml:"sync" json:"sync"`

	TimeAdjustments    []TimeAdjustment  `yaml:"time_adjustments" json:"time_adjustments"`
	SubjectAdjustments map[string]string `yaml:"subject_adjustments" json:"subject_adjustments"`
	EventsTemplates    project.Templates `yaml:"events_templates" json:"events_templates"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration. CalendarID is
// left empty on purpose and must be filled in before the first sync.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "INFO",
		Timezone: "Europe/Paris",
		Timetable: TimetableConfig{
			ConnectionType:  ConnectionToken,
			AccountType:     AccountChild,
			CredentialsFile: "credentials-timetable.json",
			CacheDir:        "./cache/timetable",
		},
		GoogleCalendar: GoogleCalendarConfig{
			CredentialsFile: "credentials-google.json",
		},
		Sync: SyncConfig{
			Weeks:       3,
			RefreshCron: "0 */2 * * *",
		},
		TimeAdjustments:    []TimeAdjustment{},
		SubjectAdjustments: map[string]string{},
		EventsTemplates:    project.DefaultTemplates(),
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly. Explicit but invalid
// values are left alone for Validate to report.
func (c *Config) Normalize() {
	if c.Timezone == "" {
		c.Timezone = "Europe/Paris"
	}
	if c.Timetable.ConnectionType == "" {
		c.Timetable.ConnectionType = ConnectionToken
	}
	if c.Timetable.AccountType == "" {
		c.Timetable.AccountType = AccountChild
	}
	if c.Timetable.CredentialsFile == "" {
		c.Timetable.CredentialsFile = "credentials-timetable.json"
	}
	if c.Timetable.CacheDir == "" {
		c.Timetable.CacheDir = "./cache/timetable"
	}
	if c.GoogleCalendar.CredentialsFile == "" {
		c.GoogleCalendar.CredentialsFile = "credentials-google.json"
	}
	if c.Sync.Weeks == 0 {
		c.Sync.Weeks = 3
	}
	if c.Sync.RefreshCron == "" {
		c.Sync.RefreshCron = "0 */2 * * *"
	}
	if c.TimeAdjustments == nil {
		c.TimeAdjustments = []TimeAdjustment{}
	}
	if c.SubjectAdjustments == nil {
		c.SubjectAdjustments = map[string]string{}
	}
	// Templates are only defaulted when the whole block is absent; an
	// explicitly empty field means "leave that calendar field blank".
	if c.EventsTemplates == (project.Templates{}) {
		c.EventsTemplates = project.DefaultTemplates()
	}
}

// Validate reports the first configuration mistake found.
func (c *Config) Validate() error {
	switch c.Timetable.ConnectionType {
	case ConnectionToken, ConnectionPassword:
	default:
		return fmt.Errorf("timetable.connection_type must be %q or %q, got %q", ConnectionToken, ConnectionPassword, c.Timetable.ConnectionType)
	}
	switch c.Timetable.AccountType {
	case AccountChild:
	case AccountParent:
		if strings.TrimSpace(c.Timetable.Child) == "" {
			return errors.New("timetable.child is required when timetable.account_type is 'parent'")
		}
	default:
		return fmt.Errorf("timetable.account_type must be %q or %q, got %q", AccountChild, AccountParent, c.Timetable.AccountType)
	}
	if strings.TrimSpace(c.GoogleCalendar.CalendarID) == "" {
		return errors.New("google_calendar.calendar_id is required")
	}
	if c.Sync.Weeks < 1 {
		return fmt.Errorf("sync.weeks must be >= 1, got %d", c.Sync.Weeks)
	}
	if _, err := cron.ParseStandard(c.Sync.RefreshCron); err != nil {
		return fmt.Errorf("sync.refresh %q: %w", c.Sync.RefreshCron, err)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	if _, err := c.TimeRules(); err != nil {
		return err
	}
	if _, err := project.New(c.EventsTemplates); err != nil {
		return fmt.Errorf("events_templates: %w", err)
	}
	return nil
}

// Location resolves Timezone, falling back to time.Local.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// TimeRules converts the configured adjustments into normalizer rules,
// preserving declaration order.
func (c *Config) TimeRules() ([]lessons.TimeRule, error) {
	rules := make([]lessons.TimeRule, 0, len(c.TimeAdjustments))
	for i, adj := range c.TimeAdjustments {
		if len(adj.Weekdays) == 0 {
			return nil, fmt.Errorf("time_adjustments[%d]: weekdays is empty", i)
		}
		for _, d := range adj.Weekdays {
			if d < 1 || d > 7 {
				return nil, fmt.Errorf("time_adjustments[%d]: weekday %d out of range 1..7", i, d)
			}
		}
		starts, err := clockMap(adj.StartTimes)
		if err != nil {
			return nil, fmt.Errorf("time_adjustments[%d].start_times: %w", i, err)
		}
		ends, err := clockMap(adj.EndTimes)
		if err != nil {
			return nil, fmt.Errorf("time_adjustments[%d].end_times: %w", i, err)
		}
		rules = append(rules, lessons.TimeRule{
			Weekdays:   append([]int(nil), adj.Weekdays...),
			StartTimes: starts,
			EndTimes:   ends,
		})
	}
	return rules, nil
}

func clockMap(m map[string]string) (map[lessons.Clock]lessons.Clock, error) {
	out := make(map[lessons.Clock]lessons.Clock, len(m))
	for from, to := range m {
		f, err := lessons.ParseClock(from)
		if err != nil {
			return nil, err
		}
		t, err := lessons.ParseClock(to)
		if err != nil {
			return nil, err
		}
		out[f] = t
	}
	return out, nil
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
//
// Load does not validate; callers run Validate before syncing.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes the given configuration to the specified path atomically
// with 0600 permissions.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, data, ".lessonsync-config-*.tmp")
}

// WriteFileAtomic writes data to path via a temp file in the same directory
// followed by a rename, leaving the final file with 0600 permissions.
func WriteFileAtomic(path string, data []byte, pattern string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	// Ensure we clean up temp file on error.
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}

	// Flush and close before chmod/rename.
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}

	return os.Rename(tmpName, path)
}

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
