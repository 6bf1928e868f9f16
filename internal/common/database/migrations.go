package database

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

type Migration struct {
	Id   int
	Name string
	Sql  string
}

// UpdateDatabase applies every migration newer than the recorded schema version, each in its own
// transaction together with the version bump.
func UpdateDatabase(ctx context.Context, db Querier, migrations []Migration) error {
	version, err := readVersion(ctx, db)
	if err != nil {
		return err
	}
	log.Debugf("Current schema version %d", version)

	for _, m := range migrations {
		if m.Id <= version {
			continue
		}
		err := db.WithTx(ctx, func(tx Querier) error {
			for _, stmt := range splitStatements(m.Sql) {
				if err := tx.Exec(ctx, stmt); err != nil {
					return errors.WithMessagef(err, "migration %s", m.Name)
				}
			}
			return tx.Exec(ctx, fmt.Sprintf("INSERT INTO database_version (version) VALUES (%d)", m.Id))
		})
		if err != nil {
			return err
		}
		version = m.Id
		log.Infof("Applied schema migration %s", m.Name)
	}
	return nil
}

func readVersion(ctx context.Context, db Querier) (int, error) {
	if err := db.Exec(ctx, `CREATE TABLE IF NOT EXISTS database_version (version INTEGER NOT NULL)`); err != nil {
		return 0, err
	}
	version, err := db.QueryInt(ctx, `SELECT COALESCE(MAX(version), 0) FROM database_version`)
	return int(version), err
}

// ReadMigrations loads the files named <id>_<name>.sql in dir, ordered by id.
func ReadMigrations(fsys fs.FS, dir string) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	migrations := make([]Migration, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		id, err := strconv.Atoi(strings.Split(entry.Name(), "_")[0])
		if err != nil {
			return nil, errors.Wrapf(err, "migration %s has no numeric prefix", entry.Name())
		}
		contents, err := fs.ReadFile(fsys, path.Join(dir, entry.Name()))
		if err != nil {
			return nil, errors.WithStack(err)
		}
		migrations = append(migrations, Migration{Id: id, Name: entry.Name(), Sql: string(contents)})
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Id < migrations[j].Id })
	return migrations, nil
}

// Statements are separated by ";" at the end of a line.
func splitStatements(sql string) []string {
	var stmts []string
	for _, part := range strings.SplitAfter(sql, ";\n") {
		stmt := strings.TrimSpace(part)
		stmt = strings.TrimSuffix(stmt, ";")
		if strings.TrimSpace(stmt) != "" {
			stmts = append(stmts, stmt)
		}
	}
	return stmts
}
