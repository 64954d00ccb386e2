package sqlstore

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm/logger"
)

// Config holds configuration for the MySQL store.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string

	// TablePrefix is prepended to the entity type to form its table name.
	TablePrefix string

	// RemovedColumn marks soft-removed rows when not NULL.
	// Default: "deleted_at"
	RemovedColumn string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// LogLevel is the gorm log level: silent, error, warn or info.
	LogLevel string
}

// DefaultConfig returns sensible defaults for a local MySQL server.
func DefaultConfig() Config {
	return Config{
		Host:            "127.0.0.1",
		Port:            3306,
		RemovedColumn:   "deleted_at",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
		LogLevel:        "error",
	}
}

// validate ensures config values are within acceptable bounds.
func (c *Config) validate() {
	d := DefaultConfig()
	if c.Host == "" {
		c.Host = d.Host
	}
	if c.Port <= 0 {
		c.Port = d.Port
	}
	if c.RemovedColumn == "" {
		c.RemovedColumn = d.RemovedColumn
	}
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = d.MaxOpenConns
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = d.MaxIdleConns
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = d.ConnMaxLifetime
	}
}

// DSN returns the MySQL data source name built with the driver's config
// builder. Found rows are reported as affected so that no-op updates of an
// existing row are not mistaken for a missing one.
func (c Config) DSN() string {
	cfg := mysql.NewConfig()
	cfg.User = c.User
	cfg.Passwd = c.Password
	cfg.Net = "tcp"
	cfg.Addr = fmt.Sprintf("%s:%d", c.Host, c.Port)
	cfg.DBName = c.Database
	cfg.ParseTime = true
	cfg.ClientFoundRows = true
	cfg.Loc = time.UTC
	return cfg.FormatDSN()
}

func (c Config) logLevel() logger.LogLevel {
	switch strings.ToLower(c.LogLevel) {
	case "info":
		return logger.Info
	case "warn":
		return logger.Warn
	case "silent":
		return logger.Silent
	default:
		return logger.Error
	}
}
