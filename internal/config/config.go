// Package config defines the process-wide Config struct, bound to pflag
// flags with a Preflight validation step, mirroring the teacher's
// internal/source/server.Config (Bind(*pflag.FlagSet) + Preflight() error).
// Before Preflight runs, LoadYAMLFile can overlay controlDB, syncMode and
// backend connection settings from a YAML file, and LoadOverlay can set
// controlDB, syncMode and the four sync tunables from REPLIFABRIC_-prefixed
// environment variables through viper. Both replace values already parsed
// from flags, except that explicitly passed --backend* flags are applied
// last by Preflight. No other field can be set from a file or the
// environment.
package config

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/dbmesh/replifabric/internal/dialect"
	"github.com/dbmesh/replifabric/internal/synerr"
)

// SyncMode selects how the Worker Loop schedules its work.
type SyncMode string

const (
	ModeRealtime SyncMode = "realtime"
	ModeSchedule SyncMode = "schedule"
	ModeHybrid   SyncMode = "hybrid"
)

// Normalize returns m if it is a recognized mode, or ModeHybrid otherwise
// (an invalid sync_mode falls back to hybrid, per spec).
func (m SyncMode) Normalize() SyncMode {
	switch SyncMode(strings.ToLower(strings.TrimSpace(string(m)))) {
	case ModeRealtime:
		return ModeRealtime
	case ModeSchedule:
		return ModeSchedule
	case ModeHybrid:
		return ModeHybrid
	default:
		return ModeHybrid
	}
}

// BackendConn holds the connection parameters for one backend.
type BackendConn struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
}

// Config is the full set of user-visible configuration for a
// replicate-worker process.
type Config struct {
	ControlDB dialect.Tag

	Backends map[dialect.Tag]BackendConn

	// backendFlags holds the addressable BackendConn each tag's pflag
	// flags are bound to. A map of struct values can't be used here: the
	// flag package needs a pointer that survives past Parse(), and
	// map[Tag]BackendConn only ever hands out copies. Populated by Bind;
	// flagSet lets Preflight tell which of those fields the user actually
	// passed on the command line, so an unset flag doesn't clobber a value
	// already overlaid from LoadYAMLFile/LoadOverlay.
	backendFlags map[dialect.Tag]*BackendConn
	flagSet      *pflag.FlagSet

	SyncPollSeconds             int
	SyncBatchSize               int
	SyncMode                    SyncMode
	SyncScheduleIntervalSeconds int
	SyncScheduleMaxRounds       int

	AdminRegistrationCode string

	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	EmailFrom    string
	EmailAdminTo string

	WebhookURL string

	BindAddr string
}

// New returns a Config populated with the same defaults as
// original_source's Settings class.
func New() *Config {
	return &Config{
		ControlDB: dialect.TagA,
		Backends: map[dialect.Tag]BackendConn{
			dialect.TagA: {Host: "postgres", Port: 5432, Database: "syncdb", User: "app", Password: "app_pw"},
			dialect.TagB: {Host: "mysql", Port: 3306, Database: "syncdb", User: "app", Password: "app_pw"},
			dialect.TagC: {Host: "mssql", Port: 1433, Database: "syncdb", User: "sa", Password: "change-me"},
		},
		SyncPollSeconds:             2,
		SyncBatchSize:               100,
		SyncMode:                    ModeHybrid,
		SyncScheduleIntervalSeconds: 300,
		SyncScheduleMaxRounds:       5,
		AdminRegistrationCode:       "aaa",
		SMTPHost:                    "mailhog",
		SMTPPort:                    1025,
		EmailFrom:                   "sync-platform@example.com",
		EmailAdminTo:                "admin@example.com",
		BindAddr:                    ":26258",
	}
}

// Bind registers every flag onto flags, using the receiver's current
// values (typically the defaults from New) as the flag defaults.
func (c *Config) Bind(flags *pflag.FlagSet) {
	c.flagSet = flags

	flags.StringVar((*string)(&c.ControlDB), "controlDB", string(c.ControlDB), "tag of the backend holding conflicts and user accounts (A, B, or C)")

	flags.IntVar(&c.SyncPollSeconds, "syncPollSeconds", c.SyncPollSeconds, "sleep between realtime ticks, in seconds")
	flags.IntVar(&c.SyncBatchSize, "syncBatchSize", c.SyncBatchSize, "max change_log rows fetched per backend per tick")
	flags.StringVar((*string)(&c.SyncMode), "syncMode", string(c.SyncMode), "realtime, schedule, or hybrid")
	flags.IntVar(&c.SyncScheduleIntervalSeconds, "syncScheduleIntervalSeconds", c.SyncScheduleIntervalSeconds, "seconds between scheduled sweeps")
	flags.IntVar(&c.SyncScheduleMaxRounds, "syncScheduleMaxRounds", c.SyncScheduleMaxRounds, "fan-out convergence attempts per scheduled sweep")

	flags.StringVar(&c.AdminRegistrationCode, "adminRegistrationCode", c.AdminRegistrationCode, "registration code required to create a new admin account")

	flags.StringVar(&c.SMTPHost, "smtpHost", c.SMTPHost, "SMTP host for conflict notifications")
	flags.IntVar(&c.SMTPPort, "smtpPort", c.SMTPPort, "SMTP port")
	flags.StringVar(&c.SMTPUsername, "smtpUsername", c.SMTPUsername, "SMTP username")
	flags.StringVar(&c.SMTPPassword, "smtpPassword", c.SMTPPassword, "SMTP password")
	flags.StringVar(&c.EmailFrom, "emailFrom", c.EmailFrom, "From address for conflict notifications")
	flags.StringVar(&c.EmailAdminTo, "emailAdminTo", c.EmailAdminTo, "administrator address for conflict notifications")
	flags.StringVar(&c.WebhookURL, "webhookURL", c.WebhookURL, "optional HTTP webhook URL for conflict notifications")

	flags.StringVar(&c.BindAddr, "bindAddr", c.BindAddr, "the network address the admin API binds to")

	c.backendFlags = make(map[dialect.Tag]*BackendConn, len(dialect.CanonicalTags))
	for _, tag := range dialect.CanonicalTags {
		bc := c.Backends[tag]
		c.backendFlags[tag] = &bc
		prefix := "backend" + string(tag)
		flags.StringVar(&bc.Host, prefix+"Host", bc.Host, "host for backend "+string(tag))
		flags.IntVar(&bc.Port, prefix+"Port", bc.Port, "port for backend "+string(tag))
		flags.StringVar(&bc.Database, prefix+"DB", bc.Database, "database name for backend "+string(tag))
		flags.StringVar(&bc.User, prefix+"User", bc.User, "user for backend "+string(tag))
		flags.StringVar(&bc.Password, prefix+"Password", bc.Password, "password for backend "+string(tag))
	}
}

// LoadOverlay sets controlDB, syncMode, syncPollSeconds, syncBatchSize,
// syncScheduleIntervalSeconds and syncScheduleMaxRounds from v, with
// REPLIFABRIC_-prefixed environment variables (e.g. REPLIFABRIC_SYNCMODE)
// enabled on it, replacing any value already parsed from flags. It reads
// no config file itself and sets no other field.
func (c *Config) LoadOverlay(v *viper.Viper) error {
	if v == nil {
		v = viper.New()
	}
	v.SetEnvPrefix("REPLIFABRIC")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if v.IsSet("controldb") {
		c.ControlDB = dialect.Tag(strings.ToUpper(v.GetString("controldb")))
	}
	if v.IsSet("syncmode") {
		c.SyncMode = SyncMode(v.GetString("syncmode"))
	}
	if v.IsSet("syncpollseconds") {
		c.SyncPollSeconds = v.GetInt("syncpollseconds")
	}
	if v.IsSet("syncbatchsize") {
		c.SyncBatchSize = v.GetInt("syncbatchsize")
	}
	if v.IsSet("syncscheduleintervalseconds") {
		c.SyncScheduleIntervalSeconds = v.GetInt("syncscheduleintervalseconds")
	}
	if v.IsSet("syncschedulemaxrounds") {
		c.SyncScheduleMaxRounds = v.GetInt("syncschedulemaxrounds")
	}
	return nil
}

// yamlOverlay is the subset of Config that can be set from a YAML file,
// read directly with yaml.Unmarshal rather than through viper, mirroring
// the teacher pack's pattern of a narrow struct for the fields a config
// file is allowed to carry.
type yamlOverlay struct {
	ControlDB string                 `yaml:"controlDB"`
	SyncMode  string                 `yaml:"syncMode"`
	Backends  map[string]BackendConn `yaml:"backends"`
}

// LoadYAMLFile overlays c with values from the YAML file at path, applying
// only the fields the file sets. A missing path is not an error: the
// flag/env-derived defaults stand as-is.
func (c *Config) LoadYAMLFile(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "reading config file %s", path)
	}

	var overlay yamlOverlay
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return errors.Wrapf(err, "parsing config file %s", path)
	}

	if overlay.ControlDB != "" {
		c.ControlDB = dialect.Tag(strings.ToUpper(overlay.ControlDB))
	}
	if overlay.SyncMode != "" {
		c.SyncMode = SyncMode(overlay.SyncMode)
	}
	for tag, conn := range overlay.Backends {
		c.Backends[dialect.Tag(strings.ToUpper(tag))] = conn
	}
	return nil
}

// applyBackendFlags copies each explicitly-passed --backendXHost/Port/DB/
// User/Password flag from backendFlags into Backends. Flags the user never
// set are left alone, so a value already overlaid from a YAML file or
// environment variable survives.
func (c *Config) applyBackendFlags() {
	if c.flagSet == nil {
		return
	}
	for tag, bc := range c.backendFlags {
		prefix := "backend" + string(tag)
		conn := c.Backends[tag]
		if c.flagSet.Changed(prefix + "Host") {
			conn.Host = bc.Host
		}
		if c.flagSet.Changed(prefix + "Port") {
			conn.Port = bc.Port
		}
		if c.flagSet.Changed(prefix + "DB") {
			conn.Database = bc.Database
		}
		if c.flagSet.Changed(prefix + "User") {
			conn.User = bc.User
		}
		if c.flagSet.Changed(prefix + "Password") {
			conn.Password = bc.Password
		}
		c.Backends[tag] = conn
	}
}

// Preflight validates the configuration, returning a *synerr.ConfigError
// on the first problem found.
func (c *Config) Preflight() error {
	c.applyBackendFlags()
	if _, ok := dialect.For(c.ControlDB); !ok {
		return synerr.NewConfigErrorf("controlDB: unknown backend tag %q", c.ControlDB)
	}
	c.SyncMode = c.SyncMode.Normalize()
	if c.SyncPollSeconds < 1 {
		return synerr.NewConfigError("syncPollSeconds must be >= 1")
	}
	if c.SyncBatchSize < 1 {
		return synerr.NewConfigError("syncBatchSize must be >= 1")
	}
	if c.SyncScheduleIntervalSeconds < 1 {
		return synerr.NewConfigError("syncScheduleIntervalSeconds must be >= 1")
	}
	if c.SyncScheduleMaxRounds < 1 {
		return synerr.NewConfigError("syncScheduleMaxRounds must be >= 1")
	}
	for _, tag := range dialect.CanonicalTags {
		if _, ok := c.Backends[tag]; !ok {
			return synerr.NewConfigErrorf("missing connection settings for backend %q", tag)
		}
	}
	return nil
}
