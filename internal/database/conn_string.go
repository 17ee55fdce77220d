package database

import (
	"net"
	"net/url"
	"strconv"

	"github.com/rickgao/resumesub/internal/config"
)

// ApplicationName identifies session-store connections in pg_stat_activity.
const ApplicationName = "resumesub"

// BuildConnString builds a PostgreSQL URL from config. The password is
// omitted when empty so a passfile or PGPASSWORD can supply it.
func BuildConnString(cfg config.DBConfig) string {
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Path:   "/" + cfg.Name,
	}
	if cfg.Password != "" {
		u.User = url.UserPassword(cfg.User, cfg.Password)
	} else {
		u.User = url.User(cfg.User)
	}

	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = config.DefaultDBSSLMode
	}
	q := url.Values{}
	q.Set("sslmode", sslMode)
	q.Set("application_name", ApplicationName)
	u.RawQuery = q.Encode()

	return u.String()
}
