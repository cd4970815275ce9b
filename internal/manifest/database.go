package manifest

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"evalgo.org/graphdeploy/internal/graph"
	"evalgo.org/graphdeploy/models"
)

// DatabaseKind is a supported database engine.
type DatabaseKind string

const (
	DatabasePostgres DatabaseKind = "postgres"
	DatabaseMySQL    DatabaseKind = "mysql"
)

const (
	defaultDatabaseUser     = "app"
	defaultDatabasePassword = "app_password"
)

// ResolveDatabaseKind maps a node's databaseType setting to an engine. An empty
// value selects postgres. The second result is false for unsupported engines.
func ResolveDatabaseKind(value string) (DatabaseKind, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "postgres", "postgresql", "pg":
		return DatabasePostgres, true
	case "mysql":
		return DatabaseMySQL, true
	default:
		return "", false
	}
}

// Port is the default listen port of the engine.
func (k DatabaseKind) Port() int {
	if k == DatabaseMySQL {
		return 3306
	}
	return 5432
}

func (k DatabaseKind) scheme() string {
	if k == DatabaseMySQL {
		return "mysql"
	}
	return "postgresql"
}

// DatabaseSettings are the resolved connection settings of a database node.
type DatabaseSettings struct {
	Kind           DatabaseKind
	ConnectionName string
	Database       string
	User           string
	Password       string
}

// ResolveDatabaseSettings reads a database node's config, applying defaults.
// It fails for unsupported engines.
func ResolveDatabaseSettings(node *models.Node, projectID string) (DatabaseSettings, error) {
	raw := node.Data.Config["databaseType"]
	kind, ok := ResolveDatabaseKind(raw)
	if !ok {
		return DatabaseSettings{}, fmt.Errorf("unsupported database type %q for node %s", raw, node.ID)
	}

	prefix := projectID
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}

	return DatabaseSettings{
		Kind:           kind,
		ConnectionName: graph.ConnectionName(node),
		Database:       node.ConfigValue("database", "app_"+prefix),
		User:           node.ConfigValue("user", defaultDatabaseUser),
		Password:       node.ConfigValue("password", defaultDatabasePassword),
	}, nil
}

// URL is the connection string services use to reach the database. The
// connection name doubles as the host name on the default network. User,
// password and database are escaped.
func (s DatabaseSettings) URL() string {
	u := url.URL{
		Scheme: s.Kind.scheme(),
		User:   url.UserPassword(s.User, s.Password),
		Host:   net.JoinHostPort(s.ConnectionName, strconv.Itoa(s.Kind.Port())),
		Path:   "/" + s.Database,
	}
	return u.String()
}

// EnvName is the variable a dependent service reads the URL from.
func (s DatabaseSettings) EnvName() string {
	return "DATABASE_URL_" + toEnvName(s.ConnectionName)
}

// VolumeName is the persistent volume of the database.
func (s DatabaseSettings) VolumeName() string {
	return s.ConnectionName + "_data"
}

// DatabaseComponent builds the stateful component for a database.
func DatabaseComponent(s DatabaseSettings) *models.Component {
	c := &models.Component{
		ContainerName: s.ConnectionName + "-container",
		Networks:      []string{defaultNetwork},
		Restart:       "unless-stopped",
	}

	switch s.Kind {
	case DatabaseMySQL:
		c.Image = "mysql:8.0"
		c.Environment = map[string]string{
			"MYSQL_ROOT_PASSWORD": s.Password,
			"MYSQL_DATABASE":      s.Database,
			"MYSQL_USER":          s.User,
			"MYSQL_PASSWORD":      s.Password,
		}
		c.Volumes = []string{s.VolumeName() + ":/var/lib/mysql"}
		c.HealthCheck = &models.HealthCheck{
			Test:     []string{"CMD", "mysqladmin", "ping", "-h", "localhost"},
			Interval: "10s",
			Timeout:  "5s",
			Retries:  5,
		}
	default:
		c.Image = "postgres:16-alpine"
		c.Environment = map[string]string{
			"POSTGRES_USER":     s.User,
			"POSTGRES_PASSWORD": s.Password,
			"POSTGRES_DB":       s.Database,
		}
		c.Volumes = []string{s.VolumeName() + ":/var/lib/postgresql/data"}
		c.HealthCheck = &models.HealthCheck{
			Test:     []string{"CMD", "pg_isready", "-U", s.User, "-d", s.Database},
			Interval: "10s",
			Timeout:  "5s",
			Retries:  5,
		}
	}
	return c
}

// toEnvName converts a component name to environment variable form.
// Example: "orders-db" -> "ORDERS_DB"
func toEnvName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(name) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}
