package accounting

import (
	"context"
	"embed"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/armadaproject/corral/internal/common/corralcontext"
	"github.com/armadaproject/corral/internal/common/database"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

var (
	jobRecordsTable  = goqu.T("job_records")
	stepRecordsTable = goqu.T("step_records")
)

const (
	dialectSqlite   = "sqlite3"
	dialectPostgres = "postgres"
)

type jobRow struct {
	RecordId     string `db:"record_id"`
	Cluster      string `db:"cluster"`
	JobId        int64  `db:"job_id"`
	SubmitTime   int64  `db:"submit_time"`
	Name         string `db:"name"`
	UserId       int64  `db:"user_id"`
	GroupId      int64  `db:"group_id"`
	Account      string `db:"account"`
	Partition    string `db:"partition_name"`
	State        string `db:"state"`
	Reason       string `db:"reason"`
	ExitCode     int64  `db:"exit_code"`
	EligibleTime int64  `db:"eligible_time"`
	StartTime    int64  `db:"start_time"`
	EndTime      int64  `db:"end_time"`
	TimeLimit    int64  `db:"time_limit"`
	NodeList     string `db:"node_list"`
	NumNodes     int64  `db:"num_nodes"`
	NumCpus      int64  `db:"num_cpus"`
	NumTasks     int64  `db:"num_tasks"`
	WorkDir      string `db:"work_dir"`
	Restarts     int64  `db:"restarts"`
}

type stepRow struct {
	Cluster    string `db:"cluster"`
	JobId      int64  `db:"job_id"`
	SubmitTime int64  `db:"submit_time"`
	StepId     int64  `db:"step_id"`
	Name       string `db:"name"`
	State      string `db:"state"`
	NumTasks   int64  `db:"num_tasks"`
	NodeList   string `db:"node_list"`
	StartTime  int64  `db:"start_time"`
	ExitCode   int64  `db:"exit_code"`
}

func toRows(rec *JobRecord) (jobRow, []stepRow) {
	job := jobRow{
		RecordId:     rec.RecordId.String(),
		Cluster:      rec.Cluster,
		JobId:        int64(rec.JobId),
		SubmitTime:   unixSeconds(rec.SubmitTime),
		Name:         rec.Name,
		UserId:       int64(rec.UserId),
		GroupId:      int64(rec.GroupId),
		Account:      rec.Account,
		Partition:    rec.Partition,
		State:        rec.State.String(),
		Reason:       rec.Reason,
		ExitCode:     int64(rec.ExitCode),
		EligibleTime: unixSeconds(rec.EligibleTime),
		StartTime:    unixSeconds(rec.StartTime),
		EndTime:      unixSeconds(rec.EndTime),
		TimeLimit:    int64(rec.TimeLimit),
		NodeList:     rec.NodeList,
		NumNodes:     int64(rec.NumNodes),
		NumCpus:      int64(rec.NumCpus),
		NumTasks:     int64(rec.NumTasks),
		WorkDir:      rec.WorkDir,
		Restarts:     int64(rec.Restarts),
	}
	steps := make([]stepRow, 0, len(rec.Steps))
	for _, step := range rec.Steps {
		steps = append(steps, stepRow{
			Cluster:    rec.Cluster,
			JobId:      int64(rec.JobId),
			SubmitTime: job.SubmitTime,
			StepId:     int64(step.StepId),
			Name:       step.Name,
			State:      step.State.String(),
			NumTasks:   int64(step.NumTasks),
			NodeList:   step.NodeList,
			StartTime:  unixSeconds(step.StartTime),
			ExitCode:   int64(step.ExitCode),
		})
	}
	return job, steps
}

type statement struct {
	sql  string
	args []interface{}
}

// insertStatements renders the inserts for a record in the given goqu dialect. Rows that already
// exist are left alone, so storing a record twice is harmless.
func insertStatements(dialect string, rec *JobRecord) ([]statement, error) {
	d := goqu.Dialect(dialect)
	job, steps := toRows(rec)

	stmts := make([]statement, 0, 2)
	query, args, err := d.Insert(jobRecordsTable).
		Rows(job).
		OnConflict(goqu.DoNothing()).
		Prepared(true).
		ToSQL()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	stmts = append(stmts, statement{sql: query, args: args})

	if len(steps) > 0 {
		rows := make([]interface{}, len(steps))
		for i := range steps {
			rows[i] = steps[i]
		}
		query, args, err = d.Insert(stepRecordsTable).
			Rows(rows...).
			OnConflict(goqu.DoNothing()).
			Prepared(true).
			ToSQL()
		if err != nil {
			return nil, errors.WithStack(err)
		}
		stmts = append(stmts, statement{sql: query, args: args})
	}
	return stmts, nil
}

// SqlStorage writes job and step records to a relational database.
type SqlStorage struct {
	name    string
	dialect string
	db      database.Querier
	close   func() error
}

// NewSqliteStorage opens the sqlite database at path and brings its schema up to date.
func NewSqliteStorage(ctx context.Context, path string) (*SqlStorage, error) {
	db, err := database.OpenSqlite(path)
	if err != nil {
		return nil, err
	}
	s := &SqlStorage{
		name:    "accounting_storage/sqlite",
		dialect: dialectSqlite,
		db:      database.NewSqlQuerier(db),
		close:   db.Close,
	}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStorage connects to postgres using connString and brings the schema up to date.
func NewPostgresStorage(ctx context.Context, connString string) (*SqlStorage, error) {
	pool, err := database.OpenPgxPool(ctx, connString)
	if err != nil {
		return nil, err
	}
	return newPostgresStorage(ctx, pool)
}

func newPostgresStorage(ctx context.Context, pool *pgxpool.Pool) (*SqlStorage, error) {
	s := &SqlStorage{
		name:    "accounting_storage/postgres",
		dialect: dialectPostgres,
		db:      database.NewPgxQuerier(pool),
		close: func() error {
			pool.Close()
			return nil
		},
	}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *SqlStorage) migrate(ctx context.Context) error {
	migrations, err := database.ReadMigrations(migrationFiles, "migrations")
	if err != nil {
		return err
	}
	return database.UpdateDatabase(ctx, s.db, migrations)
}

func (s *SqlStorage) Name() string {
	return s.name
}

func (s *SqlStorage) Write(ctx *corralcontext.Context, rec *JobRecord) error {
	stmts, err := insertStatements(s.dialect, rec)
	if err != nil {
		return err
	}
	return s.db.WithTx(ctx, func(tx database.Querier) error {
		for _, stmt := range stmts {
			if err := tx.Exec(ctx, stmt.sql, stmt.args...); err != nil {
				return errors.WithMessagef(err, "storing job %d", rec.JobId)
			}
		}
		return nil
	})
}

func (s *SqlStorage) Close() error {
	return s.close()
}
