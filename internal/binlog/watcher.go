// Package binlog follows the MySQL binary log and nudges the change detector
// when rows of the job table change. The detector's diff stays the source of
// truth; the binlog only lets it poll sooner than its interval.
package binlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/go-mysql-org/go-mysql/replication"
	"github.com/sirupsen/logrus"

	"job-leaderboard/internal/config"
)

// Watcher streams row events from the current end of the binlog.
type Watcher struct {
	db       *sql.DB
	cfg      replication.BinlogSyncerConfig
	database string
	table    string
	nudge    func()
	logger   *logrus.Logger
}

// NewWatcher calls nudge for every row event on cfg.MySQL.JobsTable.
func NewWatcher(cfg *config.Config, db *sql.DB, nudge func(), logger *logrus.Logger) *Watcher {
	return &Watcher{
		db: db,
		cfg: replication.BinlogSyncerConfig{
			ServerID: cfg.Binlog.ServerID,
			Flavor:   cfg.Binlog.Flavor,
			Host:     cfg.MySQL.Host,
			Port:     uint16(cfg.MySQL.Port),
			User:     cfg.MySQL.User,
			Password: cfg.MySQL.Password,
		},
		database: cfg.MySQL.Database,
		table:    cfg.MySQL.JobsTable,
		nudge:    nudge,
		logger:   logger,
	}
}

// Run follows the binlog until ctx is cancelled or the stream fails.
func (w *Watcher) Run(ctx context.Context) error {
	pos, err := w.currentPosition(ctx)
	if err != nil {
		return err
	}

	syncer := replication.NewBinlogSyncer(w.cfg)
	defer syncer.Close()

	streamer, err := syncer.StartSync(pos)
	if err != nil {
		return fmt.Errorf("failed to start binlog sync: %w", err)
	}
	w.logger.Infof("Started binlog sync from position: %s:%d", pos.Name, pos.Pos)

	for {
		event, err := streamer.GetEvent(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to get binlog event: %w", err)
		}

		switch e := event.Event.(type) {
		case *replication.RowsEvent:
			if w.matches(string(e.Table.Schema), string(e.Table.Table)) {
				w.logger.Debugf("Binlog row event on %s.%s", e.Table.Schema, e.Table.Table)
				w.nudge()
			}
		case *replication.RotateEvent:
			w.logger.Infof("Binlog rotated to: %s", string(e.NextLogName))
		}
	}
}

func (w *Watcher) matches(schema, table string) bool {
	return strings.EqualFold(schema, w.database) && strings.EqualFold(table, w.table)
}

// currentPosition asks the server where the binlog ends right now.
func (w *Watcher) currentPosition(ctx context.Context) (mysql.Position, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var lastErr error
	// MySQL 8.4 removed SHOW MASTER STATUS.
	for _, query := range []string{"SHOW BINARY LOG STATUS", "SHOW MASTER STATUS"} {
		pos, err := w.queryPosition(ctx, query)
		if err == nil {
			return pos, nil
		}
		lastErr = err
	}
	return mysql.Position{}, fmt.Errorf("failed to read binlog position: %w", lastErr)
}

func (w *Watcher) queryPosition(ctx context.Context, query string) (mysql.Position, error) {
	rows, err := w.db.QueryContext(ctx, query)
	if err != nil {
		return mysql.Position{}, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return mysql.Position{}, err
	}
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return mysql.Position{}, err
		}
		return mysql.Position{}, errors.New("binary logging is disabled")
	}

	values := make([]sql.NullString, len(cols))
	ptrs := make([]interface{}, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return mysql.Position{}, err
	}

	var pos mysql.Position
	var parsed bool
	for i, col := range cols {
		switch strings.ToLower(col) {
		case "file":
			pos.Name = values[i].String
		case "position":
			if _, err := fmt.Sscanf(values[i].String, "%d", &pos.Pos); err == nil {
				parsed = true
			}
		}
	}
	if pos.Name == "" || !parsed {
		return mysql.Position{}, fmt.Errorf("unexpected %s result", query)
	}
	return pos, nil
}
