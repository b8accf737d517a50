// Package database はデータベース接続とマイグレーション管理を提供する。
package database

import (
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Direction はマイグレーションの適用方向。
type Direction string

const (
	// Up は未適用のマイグレーションをすべて適用する。
	Up Direction = "up"
	// DownOne は直近の1ステップだけ巻き戻す。
	DownOne Direction = "down"
)

// MigrationResult は実行後のスキーマ状態。
type MigrationResult struct {
	Version uint
	Dirty   bool
	Changed bool
}

// migrateLogger はgolang-migrateのログをslogへ流す。
type migrateLogger struct {
	logger *slog.Logger
}

func (l migrateLogger) Printf(format string, v ...any) {
	l.logger.Info(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l migrateLogger) Verbose() bool {
	return false
}

// NewMigrator はマイグレーション実行用のmigrateインスタンスを生成する。
// databaseURLはPostgreSQLの接続URLを指定する。
func NewMigrator(databaseURL string) (*migrate.Migrate, error) {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrator: %w", err)
	}

	return m, nil
}

// Migrate は指定方向にマイグレーションを実行し、実行後のバージョンを返す。
// 変更が無い場合もエラーにはせず Changed=false を返す。
func Migrate(databaseURL string, dir Direction, logger *slog.Logger) (*MigrationResult, error) {
	m, err := NewMigrator(databaseURL)
	if err != nil {
		return nil, err
	}
	defer m.Close()
	if logger != nil {
		m.Log = migrateLogger{logger: logger}
	}

	switch dir {
	case Up:
		err = m.Up()
	case DownOne:
		err = m.Steps(-1)
	default:
		return nil, fmt.Errorf("unknown migration direction: %q", dir)
	}

	result := &MigrationResult{Changed: true}
	if errors.Is(err, migrate.ErrNoChange) {
		result.Changed = false
	} else if err != nil {
		return nil, fmt.Errorf("failed to run migrations (%s): %w", dir, err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return nil, fmt.Errorf("failed to read migration version: %w", err)
	}
	result.Version, result.Dirty = version, dirty
	return result, nil
}

// RunMigrations はすべてのマイグレーションを適用する。
// すでに最新の場合はエラーなしで返る。
func RunMigrations(databaseURL string) error {
	_, err := Migrate(databaseURL, Up, nil)
	return err
}
