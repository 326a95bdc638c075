package commands

import (
	"database/sql"

	"github.com/teranos/flywheel/config"
	"github.com/teranos/flywheel/db"
	"github.com/teranos/flywheel/errors"
	"github.com/teranos/flywheel/logger"
)

// openDatabase opens and migrates a database at the given path. If dbPath
// is empty, it resolves the path from configuration. Uses logger.Logger
// for db operations.
func openDatabase(dbPath string) (*sql.DB, error) {
	if dbPath == "" {
		path, err := config.GetDatabasePath()
		if err != nil {
			return nil, errors.Wrap(err, "failed to get database path")
		}
		if path == "" {
			dbPath = "flywheel.db"
		} else {
			dbPath = path
		}
	}

	database, err := db.Open(dbPath, logger.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", dbPath)
	}

	if err := db.Migrate(database, logger.Logger); err != nil {
		database.Close()
		return nil, errors.Wrapf(err, "failed to run migrations on %s", dbPath)
	}

	return database, nil
}
