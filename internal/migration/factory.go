package migration

import (
	"fmt"

	"go.uber.org/zap"
)

// ConnectionParams describes the run store database in the same terms as
// the application's database configuration. For SQLite, Name is the file
// path.
type ConnectionParams struct {
	Driver   string
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	SSLMode  string
}

// URL returns the golang-migrate connection URL for the parameters.
func (p ConnectionParams) URL() (DatabaseType, string, error) {
	dbType, err := ParseDatabaseType(p.Driver)
	if err != nil {
		return "", "", fmt.Errorf("invalid database type: %w", err)
	}
	if p.Name == "" {
		return "", "", fmt.Errorf("database name is required")
	}

	switch dbType {
	case DatabaseTypePostgres:
		return dbType, BuildDatabaseURL(dbType, p.Host, p.Port, p.Name, p.User, p.Password, p.SSLMode), nil
	case DatabaseTypeMySQL:
		return dbType, BuildDatabaseURL(dbType, p.Host, p.Port, p.Name, p.User, p.Password, ""), nil
	default:
		return dbType, BuildDatabaseURL(dbType, "", 0, p.Name, "", "", ""), nil
	}
}

// NewMigratorFromParams creates a new migrator from connection parameters
func NewMigratorFromParams(p ConnectionParams, logger *zap.Logger) (*DefaultMigrator, error) {
	dbType, dbURL, err := p.URL()
	if err != nil {
		return nil, err
	}

	return NewMigrator(&Config{
		DatabaseType: dbType,
		DatabaseURL:  dbURL,
		TableName:    defaultTableName,
		Logger:       logger,
	})
}

// NewMigratorFromURL creates a new migrator from a database URL
func NewMigratorFromURL(dbType, dbURL string, logger *zap.Logger) (*DefaultMigrator, error) {
	dt, err := ParseDatabaseType(dbType)
	if err != nil {
		return nil, err
	}

	return NewMigrator(&Config{
		DatabaseType: dt,
		DatabaseURL:  dbURL,
		TableName:    defaultTableName,
		Logger:       logger,
	})
}
