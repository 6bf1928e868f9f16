package database

import (
	"context"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateConnectionString(t *testing.T) {
	s := CreateConnectionString(map[string]string{"host": "db", "password": `it's`})
	assert.Equal(t, `host='db' password='it\'s'`, s)
}

func TestReadMigrations(t *testing.T) {
	fsys := fstest.MapFS{
		"sql/002_second.sql": {Data: []byte("CREATE TABLE b (x INTEGER);")},
		"sql/001_first.sql":  {Data: []byte("CREATE TABLE a (x INTEGER);")},
		"sql/README":         {Data: []byte("ignored")},
	}
	migrations, err := ReadMigrations(fsys, "sql")
	require.NoError(t, err)
	require.Len(t, migrations, 2)
	assert.Equal(t, 1, migrations[0].Id)
	assert.Equal(t, "002_second.sql", migrations[1].Name)

	_, err = ReadMigrations(fstest.MapFS{"sql/first.sql": {Data: []byte("")}}, "sql")
	assert.Error(t, err)
}

func TestUpdateDatabase_Sqlite(t *testing.T) {
	ctx := context.Background()
	db, err := OpenSqlite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer db.Close()
	q := NewSqlQuerier(db)

	migrations := []Migration{
		{Id: 1, Name: "001_a.sql", Sql: "CREATE TABLE a (x INTEGER);\nCREATE TABLE b (y INTEGER);\n"},
		{Id: 2, Name: "002_c.sql", Sql: "CREATE TABLE c (z INTEGER);"},
	}
	require.NoError(t, UpdateDatabase(ctx, q, migrations[:1]))
	version, err := readVersion(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, 1, version)

	// Applying the full list again only runs the new migration.
	require.NoError(t, UpdateDatabase(ctx, q, migrations))
	version, err = readVersion(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, 2, version)
	require.NoError(t, q.Exec(ctx, "INSERT INTO c (z) VALUES (1)"))
	n, err := q.QueryInt(ctx, "SELECT COUNT(*) FROM c")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestWithTx_RollsBack(t *testing.T) {
	ctx := context.Background()
	db, err := OpenSqlite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer db.Close()
	q := NewSqlQuerier(db)
	require.NoError(t, q.Exec(ctx, "CREATE TABLE t (x INTEGER)"))

	err = q.WithTx(ctx, func(tx Querier) error {
		require.NoError(t, tx.Exec(ctx, "INSERT INTO t (x) VALUES (1)"))
		return tx.Exec(ctx, "INSERT INTO missing (x) VALUES (1)")
	})
	assert.Error(t, err)
	n, err := q.QueryInt(ctx, "SELECT COUNT(*) FROM t")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestSplitStatements(t *testing.T) {
	assert.Equal(t, []string{"CREATE TABLE a (x INTEGER)", "CREATE INDEX i ON a (x)"},
		splitStatements("CREATE TABLE a (x INTEGER);\n\nCREATE INDEX i ON a (x);\n"))
}
