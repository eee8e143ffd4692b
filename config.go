package task

import (
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"taskbus/blacklist"
	"taskbus/bus"
	"taskbus/limit"
	"taskbus/store"
)

const (
	DefaultTimeout = 5 * time.Second
)

// Duration is a time.Duration read from toml as "5s", "1h", ...
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config holds everything a Client or Server needs.
type Config struct {
	// Task, when set, derives Broadcast, DataHash and OutputHash from it.
	Task    string `toml:"task"`
	TaskKey string `toml:"task_key"`

	MaxTasksPerKey int      `toml:"max_tasks_per_key"`
	Timeout        Duration `toml:"timeout"`

	FailureInterval        Duration `toml:"failure_interval"`
	BlacklistThreshold     int      `toml:"blacklist_threshold"`
	GlobalBlacklistTimeout Duration `toml:"global_blacklist_timeout"`
	LogBlacklist           bool     `toml:"log_blacklist"`

	Broadcast    string `toml:"broadcast"`
	HashSuffix   string `toml:"hash_suffix"`
	DataHash     string `toml:"data_hash"`
	OutputHash   string `toml:"output_hash"`
	ProgressHash string `toml:"progress_hash"`

	// RouteTTL is how long a server keeps the reply route of an accepted
	// task that has not reported; keep it above the longest client timeout.
	RouteTTL Duration `toml:"route_ttl"`

	// Hostname is recorded in admission markers; defaults to os.Hostname.
	Hostname string `toml:"hostname"`

	Redis store.Config `toml:"redis"`
}

// DefaultConfig returns the documented defaults. TaskKey has no default.
func DefaultConfig() Config {
	return Config{
		MaxTasksPerKey:         limit.DefaultMaxTasksPerKey,
		Timeout:                Duration{DefaultTimeout},
		FailureInterval:        Duration{blacklist.DefaultFailureInterval},
		BlacklistThreshold:     blacklist.DefaultBlacklistThreshold,
		GlobalBlacklistTimeout: Duration{blacklist.DefaultGlobalBlacklistTimeout},
		Broadcast:              bus.DefaultBroadcast,
		HashSuffix:             bus.DefaultHashSuffix,
		RouteTTL:               Duration{bus.DefaultRouteTTL},
		Redis:                  store.DefaultConfig(),
	}
}

// LoadConfig reads a toml file over the defaults. A missing file yields the
// defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) busConfig(role bus.Role) bus.Config {
	bc := bus.Config{
		Role:         role,
		Broadcast:    c.Broadcast,
		HashSuffix:   c.HashSuffix,
		DataHash:     c.DataHash,
		OutputHash:   c.OutputHash,
		ProgressHash: c.ProgressHash,
		RouteTTL:     c.RouteTTL.Duration,
	}
	if c.Task != "" {
		bc.Broadcast = c.Task + "Broadcast"
		bc.DataHash = c.Task + "Table"
		bc.OutputHash = c.Task + "Hash"
	}
	return bc
}

func (c Config) blacklistOptions() []blacklist.Option {
	return []blacklist.Option{
		blacklist.SetFailureInterval(c.FailureInterval.Duration),
		blacklist.SetBlacklistThreshold(c.BlacklistThreshold),
		blacklist.SetGlobalBlacklistTimeout(c.GlobalBlacklistTimeout.Duration),
		blacklist.SetLogBlacklist(c.LogBlacklist),
	}
}

type options struct {
	cfg        Config
	auditDB    *sql.DB
	auditTable string
	initDB     bool
}

// Option configures a Client or Server.
type Option func(*options)

func newOptions(opts []Option) *options {
	o := &options{cfg: DefaultConfig(), auditTable: "t_blacklist_audit"}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *options) auditors() ([]blacklist.Option, error) {
	opts := o.cfg.blacklistOptions()
	if o.auditDB == nil {
		return opts, nil
	}
	a, err := blacklist.NewSQLAuditor(o.auditDB, o.auditTable, o.initDB)
	if err != nil {
		return nil, err
	}
	return append(opts, blacklist.AddAuditor(a)), nil
}

// SetConfig replaces the whole configuration; later options still apply.
func SetConfig(cfg Config) Option {
	return func(o *options) {
		o.cfg = cfg
	}
}

func SetTaskName(name string) Option {
	return func(o *options) {
		o.cfg.Task = name
	}
}

func SetTaskKey(key string) Option {
	return func(o *options) {
		o.cfg.TaskKey = key
	}
}

func SetMaxTasksPerKey(n int) Option {
	return func(o *options) {
		o.cfg.MaxTasksPerKey = n
	}
}

// SetTimeout sets the default task timeout.
func SetTimeout(d time.Duration) Option {
	return func(o *options) {
		o.cfg.Timeout = Duration{d}
	}
}

func SetFailureInterval(d time.Duration) Option {
	return func(o *options) {
		o.cfg.FailureInterval = Duration{d}
	}
}

func SetBlacklistThreshold(n int) Option {
	return func(o *options) {
		o.cfg.BlacklistThreshold = n
	}
}

func SetGlobalBlacklistTimeout(d time.Duration) Option {
	return func(o *options) {
		o.cfg.GlobalBlacklistTimeout = Duration{d}
	}
}

func SetLogBlacklist(on bool) Option {
	return func(o *options) {
		o.cfg.LogBlacklist = on
	}
}

func SetBroadcast(channel string) Option {
	return func(o *options) {
		o.cfg.Broadcast = channel
	}
}

func SetHashSuffix(suffix string) Option {
	return func(o *options) {
		o.cfg.HashSuffix = suffix
	}
}

func SetDataHash(hash string) Option {
	return func(o *options) {
		o.cfg.DataHash = hash
	}
}

func SetOutputHash(hash string) Option {
	return func(o *options) {
		o.cfg.OutputHash = hash
	}
}

func SetProgressHash(hash string) Option {
	return func(o *options) {
		o.cfg.ProgressHash = hash
	}
}

func SetRouteTTL(d time.Duration) Option {
	return func(o *options) {
		o.cfg.RouteTTL = Duration{d}
	}
}

func SetHostname(host string) Option {
	return func(o *options) {
		o.cfg.Hostname = host
	}
}

// SetRedis points the component at a Redis server.
func SetRedis(host string, port int, password string) Option {
	return func(o *options) {
		o.cfg.Redis.Host = host
		o.cfg.Redis.Port = port
		o.cfg.Redis.Password = password
	}
}

// SetAuditDB archives every ban in table of db, in addition to the optional
// Redis log.
func SetAuditDB(db *sql.DB, table string) Option {
	return func(o *options) {
		o.auditDB = db
		if table != "" {
			o.auditTable = table
		}
	}
}

// SetInitDB creates the audit table when it does not exist.
func SetInitDB(init bool) Option {
	return func(o *options) {
		o.initDB = init
	}
}
