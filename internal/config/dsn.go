package config

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
)

// DSN returns the data source name for the configured driver.
// If ConnectionString is set it is used as is, apart from the MySQL
// parseTime guarantee. Otherwise the DSN is built from the discrete fields.
func (s *SQLConfig) DSN() string {
	switch strings.ToLower(s.Driver) {
	case "postgres":
		return s.postgresDSN()
	case "sqlite":
		return s.sqliteDSN()
	default:
		return s.mysqlDSN()
	}
}

func (s *SQLConfig) mysqlDSN() string {
	if s.ConnectionString != "" {
		dsn := s.ConnectionString
		if !strings.Contains(dsn, "parseTime") {
			if strings.Contains(dsn, "?") {
				dsn += "&parseTime=true"
			} else {
				dsn += "?parseTime=true"
			}
		}
		return dsn
	}

	cfg := mysql.NewConfig()
	cfg.User = s.User
	cfg.Passwd = s.Password
	cfg.Net = "tcp"
	cfg.Addr = net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
	cfg.DBName = s.Database
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	return cfg.FormatDSN()
}

func (s *SQLConfig) postgresDSN() string {
	if s.ConnectionString != "" {
		return s.ConnectionString
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(s.Host, strconv.Itoa(s.Port)),
		Path:   "/" + s.Database,
	}
	if s.User != "" {
		if s.Password != "" {
			u.User = url.UserPassword(s.User, s.Password)
		} else {
			u.User = url.User(s.User)
		}
	}
	q := url.Values{}
	q.Set("sslmode", "disable")
	u.RawQuery = q.Encode()
	return u.String()
}

// sqliteDSN treats Database as the file path and turns on foreign key
// enforcement, which SQLite leaves off per connection by default.
func (s *SQLConfig) sqliteDSN() string {
	if s.ConnectionString != "" {
		return s.ConnectionString
	}
	path := s.Database
	if path == "" {
		path = "nestwrite.db"
	}
	return fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", path)
}

// DefaultPort returns the conventional port for driver, or zero when the
// driver does not use the network.
func DefaultPort(driver string) int {
	switch strings.ToLower(driver) {
	case "mysql":
		return 3306
	case "postgres":
		return 5432
	default:
		return 0
	}
}
