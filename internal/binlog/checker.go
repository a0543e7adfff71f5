package binlog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

var requiredPrivileges = []string{
	"REPLICATION SLAVE",
	"REPLICATION CLIENT",
	"SELECT",
}

// CheckServer verifies the connected user may read the binlog and that the
// server writes it in ROW format.
func CheckServer(ctx context.Context, db *sql.DB, logger *logrus.Logger) error {
	grants, err := currentGrants(ctx, db)
	if err != nil {
		return err
	}
	if missing := missingPrivileges(grants); len(missing) > 0 {
		return fmt.Errorf("missing required permissions: %s. Current grants: %s", strings.Join(missing, ", "), strings.Join(grants, "; "))
	}

	logBin, err := variable(ctx, db, "log_bin")
	if err != nil {
		logger.Warn("Could not verify binlog status")
	} else if !strings.EqualFold(logBin, "ON") && logBin != "1" {
		return fmt.Errorf("binary logging (log_bin) is not enabled. Current value: %s", logBin)
	}

	format, err := variable(ctx, db, "binlog_format")
	if err == nil && !strings.EqualFold(format, "ROW") {
		return fmt.Errorf("binlog_format is '%s', row events require ROW", format)
	}

	logger.Info("Binlog access verified")
	return nil
}

func currentGrants(ctx context.Context, db *sql.DB) ([]string, error) {
	rows, err := db.QueryContext(ctx, "SHOW GRANTS FOR CURRENT_USER()")
	if err != nil {
		rows, err = db.QueryContext(ctx, "SHOW GRANTS")
		if err != nil {
			return nil, fmt.Errorf("failed to check grants: %w", err)
		}
	}
	defer rows.Close()

	var grants []string
	for rows.Next() {
		var grant string
		if err := rows.Scan(&grant); err != nil {
			return nil, fmt.Errorf("failed to scan grant: %w", err)
		}
		grants = append(grants, grant)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating grants: %w", err)
	}
	return grants, nil
}

// missingPrivileges returns the required privileges none of grants covers.
// ALL PRIVILEGES on *.* covers everything.
func missingPrivileges(grants []string) []string {
	upper := strings.ToUpper(strings.Join(grants, "; "))
	if strings.Contains(upper, "ALL PRIVILEGES ON *.*") {
		return nil
	}

	var missing []string
	for _, priv := range requiredPrivileges {
		if !strings.Contains(upper, priv) {
			missing = append(missing, priv)
		}
	}
	return missing
}

func variable(ctx context.Context, db *sql.DB, name string) (string, error) {
	query, err := variableQuery(name)
	if err != nil {
		return "", err
	}
	var key, value string
	if err := db.QueryRowContext(ctx, query).Scan(&key, &value); err != nil {
		return "", err
	}
	return value, nil
}

// variableQuery inlines name, since SHOW statements cannot be prepared on
// every server.
func variableQuery(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("empty variable name")
	}
	for _, r := range name {
		if (r < 'a' || r > 'z') && r != '_' {
			return "", fmt.Errorf("invalid variable name %q", name)
		}
	}
	return "SHOW VARIABLES LIKE '" + name + "'", nil
}
