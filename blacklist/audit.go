package blacklist

import (
	"database/sql"
	"fmt"
	"regexp"
	"time"

	"taskbus/store"
)

// RedisAuditor appends "<time>|<reason>" to blacklist:logs:<key>.
type RedisAuditor struct {
	st store.Store
}

func NewRedisAuditor(st store.Store) *RedisAuditor {
	return &RedisAuditor{st: st}
}

func (a *RedisAuditor) Audit(key, reason string, at time.Time) error {
	_, err := a.st.RPush(logKeyPrefix+key, at.UTC().Format(time.RFC3339)+"|"+reason)
	return err
}

// Entries returns the logged bans of key, oldest first.
func (a *RedisAuditor) Entries(key string) ([]string, error) {
	return a.st.LRange(logKeyPrefix+key, 0, -1)
}

const createAuditTable = `CREATE TABLE IF NOT EXISTS %s (
	id bigint NOT NULL AUTO_INCREMENT,
	task_key varchar(255) NOT NULL,
	reason text NOT NULL,
	created_at bigint NOT NULL,
	PRIMARY KEY (id),
	KEY idx_task_key (task_key(64))
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;`

const insertAudit = `INSERT INTO %s (task_key, reason, created_at) VALUES (?,?,?);`

var tableName = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// SQLAuditor archives bans in a MySQL table.
type SQLAuditor struct {
	db    *sql.DB
	table string
}

// NewSQLAuditor returns an auditor writing to table, creating it when
// initDB is set.
func NewSQLAuditor(db *sql.DB, table string, initDB bool) (*SQLAuditor, error) {
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("invalid audit table name %q", table)
	}
	a := &SQLAuditor{db: db, table: table}
	if initDB {
		if _, err := db.Exec(fmt.Sprintf(createAuditTable, table)); err != nil {
			return nil, fmt.Errorf("create audit table %s error:%w", table, err)
		}
	}
	return a, nil
}

func (a *SQLAuditor) Audit(key, reason string, at time.Time) error {
	_, err := a.db.Exec(fmt.Sprintf(insertAudit, a.table), key, reason, at.Unix())
	return err
}
