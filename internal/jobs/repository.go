package jobs

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/sirupsen/logrus"

	"job-leaderboard/internal/config"
	"job-leaderboard/internal/models"
)

// Open creates the MySQL connection pool shared by the job repository and the
// user store. Connect, read and write timeouts are set on the DSN so that no
// query can hang a poll cycle or a delivery forever.
func Open(cfg config.MySQLConfig) (*sql.DB, error) {
	dsn := mysql.NewConfig()
	dsn.User = cfg.User
	dsn.Passwd = cfg.Password
	dsn.Net = "tcp"
	dsn.Addr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	dsn.DBName = cfg.Database
	dsn.ParseTime = true
	dsn.Loc = time.UTC
	dsn.Timeout = cfg.ConnectTimeout
	dsn.ReadTimeout = cfg.QueryTimeout
	dsn.WriteTimeout = cfg.QueryTimeout

	db, err := sql.Open("mysql", dsn.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxOpenConns)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return db, nil
}

// Repository reads the job table. It never writes to it.
type Repository struct {
	db           *sql.DB
	table        string
	queryTimeout time.Duration
	logger       *logrus.Logger
}

// NewRepository expects table to be a validated identifier.
func NewRepository(db *sql.DB, table string, queryTimeout time.Duration, logger *logrus.Logger) *Repository {
	return &Repository{
		db:           db,
		table:        "`" + table + "`",
		queryTimeout: queryTimeout,
		logger:       logger,
	}
}

func (r *Repository) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.queryTimeout)
}

// Ping checks database reachability.
func (r *Repository) Ping(ctx context.Context) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to connect to MySQL server: %w", err)
	}
	return nil
}

// Statuses returns id and status of every row.
func (r *Repository) Statuses(ctx context.Context) ([]models.JobStatus, error) {
	return r.queryStatuses(ctx, "SELECT id, status FROM "+r.table)
}

// StatusesAfter returns rows with id > afterID in ascending id order.
func (r *Repository) StatusesAfter(ctx context.Context, afterID int64) ([]models.JobStatus, error) {
	return r.queryStatuses(ctx, "SELECT id, status FROM "+r.table+" WHERE id > ? ORDER BY id ASC", afterID)
}

// StatusesUpTo returns rows with id <= upToID.
func (r *Repository) StatusesUpTo(ctx context.Context, upToID int64) ([]models.JobStatus, error) {
	return r.queryStatuses(ctx, "SELECT id, status FROM "+r.table+" WHERE id <= ? ORDER BY id ASC", upToID)
}

func (r *Repository) queryStatuses(ctx context.Context, query string, args ...interface{}) ([]models.JobStatus, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query job statuses: %w", err)
	}
	defer rows.Close()

	var out []models.JobStatus
	for rows.Next() {
		var (
			id     int64
			status sql.NullString
		)
		if err := rows.Scan(&id, &status); err != nil {
			return nil, fmt.Errorf("failed to scan job status: %w", err)
		}
		out = append(out, models.JobStatus{ID: id, Status: status.String})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating job statuses: %w", err)
	}
	return out, nil
}

// Get returns the full row for id. found is false when the row does not exist.
func (r *Repository) Get(ctx context.Context, id int64) (job models.Job, found bool, err error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, "SELECT * FROM "+r.table+" WHERE id = ?", id)
	if err != nil {
		return nil, false, fmt.Errorf("failed to query job %d: %w", id, err)
	}
	defer rows.Close()

	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read job %d: %w", id, err)
	}
	if len(jobs) == 0 {
		return nil, false, nil
	}
	return jobs[0], true, nil
}

// List returns every row, newest first.
func (r *Repository) List(ctx context.Context) ([]models.Job, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, "SELECT * FROM "+r.table+" ORDER BY id DESC")
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to read jobs: %w", err)
	}
	r.logger.Debugf("Fetched %d jobs", len(jobs))
	return jobs, nil
}

func scanJobs(rows *sql.Rows) ([]models.Job, error) {
	columns, err := rows.ColumnTypes()
	if err != nil {
		return nil, fmt.Errorf("failed to get column info: %w", err)
	}

	types := make([]string, len(columns))
	for i, col := range columns {
		types[i] = col.DatabaseTypeName()
	}

	jobs := make([]models.Job, 0)
	for rows.Next() {
		values := make([]interface{}, len(columns))
		ptrs := make([]interface{}, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		job := make(models.Job, len(columns))
		for i, col := range columns {
			job[col.Name()] = convertValue(values[i], types[i])
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return jobs, nil
}
