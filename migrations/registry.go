// Package migrations exposes the embedded relay schema per SQL dialect and
// hands each dialect's files to a persistence client for registration.
package migrations

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strings"

	relay "github.com/goliatone/go-webhook-relay"
)

const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"

	defaultSourceLabel = "go-webhook-relay"
	rootPath           = "data/sql/migrations"
	upSuffix           = ".up.sql"
	downSuffix         = ".down.sql"
)

// Source is the migration directory for one dialect.
type Source struct {
	Dialect string
	Path    string
	FS      fs.FS
}

type Registration struct {
	SourceLabel string
	Targets     []string
	Sources     []Source
}

type RegisterFunc func(ctx context.Context, dialect string, sourceLabel string, fsys fs.FS) error

type Option func(*registerOptions)

type registerOptions struct {
	label   string
	targets []string
	root    fs.FS
}

func WithSourceLabel(label string) Option {
	return func(o *registerOptions) {
		if label = strings.TrimSpace(label); label != "" {
			o.label = label
		}
	}
}

// WithValidationTargets limits registration to the named dialects.
func WithValidationTargets(targets ...string) Option {
	return func(o *registerOptions) {
		if normalized := normalizeDialects(targets); len(normalized) > 0 {
			o.targets = normalized
		}
	}
}

// WithRoot replaces the embedded tree, mostly for tests.
func WithRoot(root fs.FS) Option {
	return func(o *registerOptions) {
		if root != nil {
			o.root = root
		}
	}
}

// DialectForDriver maps a database/sql driver name from config onto the
// registered driver name and the migration dialect.
func DialectForDriver(driver string) (driverName string, dialect string, err error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "sqlite3", "sqlite":
		return "sqlite3", DialectSQLite, nil
	case "postgres", "postgresql":
		return "postgres", DialectPostgres, nil
	default:
		return "", "", fmt.Errorf("migrations: unsupported driver %q", driver)
	}
}

// Sources resolves the postgres tree at data/sql/migrations and the sqlite
// tree below it. Every dialect must ship at least one up file and each up
// file needs its down counterpart.
func Sources(root fs.FS) ([]Source, error) {
	if root == nil {
		root = relay.GetMigrationsFS()
	}
	base, err := fs.Sub(root, rootPath)
	if err != nil {
		return nil, fmt.Errorf("migrations: resolve %s: %w", rootPath, err)
	}
	sqliteFS, err := fs.Sub(base, DialectSQLite)
	if err != nil {
		return nil, fmt.Errorf("migrations: resolve sqlite tree: %w", err)
	}

	sources := []Source{
		{Dialect: DialectPostgres, Path: rootPath, FS: base},
		{Dialect: DialectSQLite, Path: path.Join(rootPath, DialectSQLite), FS: sqliteFS},
	}
	for _, source := range sources {
		if err := checkPairs(source); err != nil {
			return nil, err
		}
	}
	return sources, nil
}

func checkPairs(source Source) error {
	ups, err := fs.Glob(source.FS, "*"+upSuffix)
	if err != nil {
		return fmt.Errorf("migrations: glob %s: %w", source.Path, err)
	}
	if len(ups) == 0 {
		return fmt.Errorf("migrations: %s tree %q has no %s files", source.Dialect, source.Path, upSuffix)
	}
	for _, up := range ups {
		down := strings.TrimSuffix(up, upSuffix) + downSuffix
		if _, err := fs.Stat(source.FS, down); err != nil {
			return fmt.Errorf("migrations: %s migration %s has no %s: %w", source.Dialect, up, down, err)
		}
	}
	return nil
}

// Register calls registerFn once per targeted dialect, in postgres, sqlite
// order.
func Register(ctx context.Context, registerFn RegisterFunc, opts ...Option) (Registration, error) {
	options := registerOptions{
		label:   defaultSourceLabel,
		targets: []string{DialectPostgres, DialectSQLite},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	reg := Registration{SourceLabel: options.label, Targets: options.targets}
	if registerFn == nil {
		return reg, fmt.Errorf("migrations: register function is required")
	}

	sources, err := Sources(options.root)
	if err != nil {
		return reg, err
	}
	for _, source := range sources {
		if !slices.Contains(options.targets, source.Dialect) {
			continue
		}
		if err := registerFn(ctx, source.Dialect, reg.SourceLabel, source.FS); err != nil {
			return reg, fmt.Errorf("migrations: register %s (%s): %w", source.Dialect, source.Path, err)
		}
		reg.Sources = append(reg.Sources, source)
	}
	if len(reg.Sources) == 0 {
		return reg, fmt.Errorf("migrations: no source matches targets %v", options.targets)
	}
	return reg, nil
}

func normalizeDialects(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		value = strings.ToLower(strings.TrimSpace(value))
		if value != "" && !slices.Contains(out, value) {
			out = append(out, value)
		}
	}
	return out
}
