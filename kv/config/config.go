package config

import (
	"os"

	"github.com/BurntSushi/toml"
	"github.com/ngaut/log"
	"github.com/pingcap/errors"
)

const MB = 1024 * 1024

type Config struct {
	LogLevel string `toml:"log-level"`
	MaxProcs int    `toml:"max-procs"` // Max CPU cores to use, set 0 to use all CPU cores in the machine.

	// Upper bound on the serialized size of a single schema, in bytes.
	// Zero means unlimited.
	MaxAISBufferSize int `toml:"max-ais-buffer-size"`

	Engine Engine `toml:"engine"` // Engine options.
}

type Engine struct {
	DBPath           string `toml:"db-path"`             // Directory to store the data in. Created if missing; must be writable.
	ValueThreshold   int    `toml:"value-threshold"`     // If value size >= this threshold, only store value offsets in tree.
	MaxTableSize     int64  `toml:"max-table-size"`      // Each table is at most this size.
	NumMemTables     int    `toml:"num-mem-tables"`      // Maximum number of tables to keep in memory, before stalling.
	NumL0Tables      int    `toml:"num-L0-tables"`       // Maximum number of Level 0 tables before we start compacting.
	NumL0TablesStall int    `toml:"num-L0-tables-stall"` // Maximum number of Level 0 tables before stalling.
	VlogFileSize     int64  `toml:"vlog-file-size"`      // Value log file size.
	SyncWrite        bool   `toml:"sync-write"`          // Sync all writes to disk. Slows down data loading significantly.
}

func (c *Config) Validate() error {
	if c.MaxAISBufferSize < 0 {
		return errors.New("max-ais-buffer-size must not be negative")
	}
	if c.Engine.DBPath == "" {
		return errors.New("engine db-path must be set")
	}
	if c.Engine.NumL0TablesStall < c.Engine.NumL0Tables {
		return errors.New("num-L0-tables-stall must not be less than num-L0-tables")
	}
	return nil
}

func getLogLevel() (logLevel string) {
	logLevel = "info"
	if l := os.Getenv("LOG_LEVEL"); len(l) != 0 {
		logLevel = l
	}
	return
}

func NewDefaultConfig() *Config {
	return &Config{
		LogLevel:         getLogLevel(),
		MaxProcs:         0,
		MaxAISBufferSize: 0,
		Engine: Engine{
			DBPath:           "/tmp/embersql",
			ValueThreshold:   256,
			MaxTableSize:     64 * MB,
			NumMemTables:     3,
			NumL0Tables:      4,
			NumL0TablesStall: 8,
			VlogFileSize:     256 * MB,
			SyncWrite:        true,
		},
	}
}

// FromFile overlays the TOML file at path onto the defaults.
func FromFile(path string) (*Config, error) {
	conf := NewDefaultConfig()
	meta, err := toml.DecodeFile(path, conf)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		log.Warnf("unrecognized config keys: %v", undecoded)
	}
	if err := conf.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return conf, nil
}
