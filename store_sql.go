package sitecache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

type sqlStore struct {
	db         *sql.DB
	table      string
	driverName string
	prefix     string
	getStmt    *sql.Stmt
	upsertStmt *sql.Stmt
	deleteStmt *sql.Stmt
}

var sqlIdentPartRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func newSQLStore(cfg StoreConfig) (Store, error) {
	if cfg.SQLDriverName == "" || cfg.SQLDSN == "" {
		return nil, errors.New("sql driver requires driver name and dsn")
	}
	db, err := sql.Open(cfg.SQLDriverName, cfg.SQLDSN)
	if err != nil {
		return nil, err
	}
	store, err := newSQLStoreFromDB(db, cfg.SQLDriverName, cfg.SQLTable, cfg.Prefix)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func newSQLStoreFromDB(db *sql.DB, driverName, table, prefix string) (Store, error) {
	if err := db.Ping(); err != nil {
		return nil, err
	}
	if table == "" {
		table = defaultSQLTable
	}
	if err := validateSQLTableName(table); err != nil {
		return nil, err
	}
	s := &sqlStore{
		db:         db,
		table:      table,
		driverName: driverName,
		prefix:     prefix,
	}
	if err := s.ensureSchema(); err != nil {
		return nil, err
	}
	if err := s.prepareStatements(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *sqlStore) Driver() Driver { return DriverSQL }

func (s *sqlStore) ensureSchema() error {
	var stmt string
	switch s.driverName {
	case "postgres", "pgx":
		stmt = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			k TEXT PRIMARY KEY,
			v BYTEA NOT NULL
		);`, s.table)
	case "mysql":
		stmt = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			k VARBINARY(255) PRIMARY KEY,
			v LONGBLOB NOT NULL
		) ENGINE=InnoDB;`, s.table)
	default: // sqlite
		stmt = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			k TEXT PRIMARY KEY,
			v BLOB NOT NULL
		);`, s.table)
	}
	_, err := s.db.Exec(stmt)
	return err
}

func (s *sqlStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var v []byte
	err := s.getStmt.QueryRowContext(ctx, s.cacheKey(key)).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return cloneBytes(v), true, nil
}

func (s *sqlStore) Set(ctx context.Context, key string, value []byte) error {
	_, err := s.upsertStmt.ExecContext(ctx, s.cacheKey(key), value, value)
	return err
}

func (s *sqlStore) Delete(ctx context.Context, key string) error {
	_, err := s.deleteStmt.ExecContext(ctx, s.cacheKey(key))
	return err
}

func (s *sqlStore) DeleteMany(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	placeholders := make([]string, 0, len(keys))
	args := make([]any, 0, len(keys))
	for i, k := range keys {
		placeholders = append(placeholders, s.ph(i+1))
		args = append(args, s.cacheKey(k))
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE k IN (%s)", s.table, strings.Join(placeholders, ",")), args...)
	return err
}

// Close releases prepared statements and the pool.
func (s *sqlStore) Close() error {
	for _, stmt := range []*sql.Stmt{s.getStmt, s.upsertStmt, s.deleteStmt} {
		if stmt != nil {
			_ = stmt.Close()
		}
	}
	return s.db.Close()
}

func (s *sqlStore) cacheKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + ":" + key
}

func (s *sqlStore) upsertSQL() string {
	// Placeholders must be positional for postgres/pgx.
	p1, p2, p3 := s.ph(1), s.ph(2), s.ph(3)
	switch s.driverName {
	case "postgres", "pgx":
		return fmt.Sprintf("INSERT INTO %s (k, v) VALUES (%s, %s) ON CONFLICT (k) DO UPDATE SET v = %s", s.table, p1, p2, p3)
	case "mysql":
		return fmt.Sprintf("INSERT INTO %s (k, v) VALUES (%s, %s) ON DUPLICATE KEY UPDATE v = %s", s.table, p1, p2, p3)
	default: // sqlite
		return fmt.Sprintf("INSERT INTO %s (k, v) VALUES (%s, %s) ON CONFLICT(k) DO UPDATE SET v = %s", s.table, p1, p2, p3)
	}
}

func (s *sqlStore) prepareStatements() error {
	var err error
	if s.getStmt, err = s.db.Prepare(fmt.Sprintf("SELECT v FROM %s WHERE k = %s", s.table, s.ph(1))); err != nil {
		return err
	}
	if s.upsertStmt, err = s.db.Prepare(s.upsertSQL()); err != nil {
		return err
	}
	if s.deleteStmt, err = s.db.Prepare(fmt.Sprintf("DELETE FROM %s WHERE k = %s", s.table, s.ph(1))); err != nil {
		return err
	}
	return nil
}

func (s *sqlStore) ph(i int) string {
	if s.driverName == "postgres" || s.driverName == "pgx" {
		return fmt.Sprintf("$%d", i)
	}
	return "?"
}

func validateSQLTableName(name string) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("sql table name is required")
	}
	for _, part := range strings.Split(name, ".") {
		if !sqlIdentPartRE.MatchString(part) {
			return fmt.Errorf("invalid sql table name %q", name)
		}
	}
	return nil
}
