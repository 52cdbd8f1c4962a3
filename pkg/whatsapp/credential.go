package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	waLog "go.mau.fi/whatsmeow/util/log"
	_ "modernc.org/sqlite"

	"github.com/gdbrns/whatsapp-companion-bridge/pkg/log"
)

// CredentialStore persists the single linked-device identity.
// Key and session deltas are written by the whatsmeow store itself as they happen.
type CredentialStore interface {
	// Load returns the stored device, or a fresh unpaired one when nothing usable exists.
	Load(ctx context.Context) *store.Device
	// Wipe removes every stored credential so the next Load starts unpaired.
	Wipe(ctx context.Context) error
}

type SQLCredentialStore struct {
	container *sqlstore.Container
}

// OpenCredentialStore opens (creating if needed) the credential database.
// A corrupt SQLite file is moved aside and replaced with an empty one.
func OpenCredentialStore(ctx context.Context, driver string, dsn string, logger waLog.Logger) (*SQLCredentialStore, error) {
	dsn = normalizeDatastoreDSN(driver, dsn)

	if driver == "sqlite" {
		if path := sqlitePath(dsn); path != "" {
			if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
				return nil, fmt.Errorf("create credential directory: %w", err)
			}
		}
	}

	container, err := openContainer(ctx, driver, dsn, logger)
	if err != nil && driver == "sqlite" {
		path := sqlitePath(dsn)
		if path == "" {
			return nil, err
		}
		quarantined := fmt.Sprintf("%s.corrupt-%d", path, time.Now().Unix())
		if renameErr := os.Rename(path, quarantined); renameErr != nil {
			return nil, errors.Join(err, renameErr)
		}
		log.Print(nil).WithError(err).Warn("Credential database unreadable, moved to " + quarantined + " and starting unpaired")
		container, err = openContainer(ctx, driver, dsn, logger)
	}
	if err != nil {
		return nil, err
	}

	return &SQLCredentialStore{container: container}, nil
}

func openContainer(ctx context.Context, driver string, dsn string, logger waLog.Logger) (*sqlstore.Container, error) {
	container, err := sqlstore.New(ctx, driver, dsn, logger)
	if err != nil {
		return nil, fmt.Errorf("open credential store: %w", err)
	}
	if err := container.Upgrade(ctx); err != nil {
		_ = container.Close()
		return nil, fmt.Errorf("upgrade credential store: %w", err)
	}
	return container, nil
}

func (s *SQLCredentialStore) Load(ctx context.Context) *store.Device {
	device, err := s.container.GetFirstDevice(ctx)
	if err != nil {
		log.Print(nil).WithError(err).Warn("Stored credentials could not be loaded, starting unpaired")
		return s.container.NewDevice()
	}
	return device
}

func (s *SQLCredentialStore) Wipe(ctx context.Context) error {
	devices, err := s.container.GetAllDevices(ctx)
	if err != nil {
		return fmt.Errorf("list stored devices: %w", err)
	}
	var errs []error
	for _, device := range devices {
		if err := device.Delete(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *SQLCredentialStore) Close() error {
	return s.container.Close()
}

func sqlitePath(dsn string) string {
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" || path == ":memory:" {
		return ""
	}
	return path
}

func normalizeDatastoreDSN(driver string, dsn string) string {
	if driver != "pgx" {
		return dsn
	}
	appendParam := func(current string, key string, value string) string {
		if strings.Contains(current, key+"=") {
			return current
		}
		separator := "?"
		if strings.Contains(current, "?") {
			if strings.HasSuffix(current, "?") || strings.HasSuffix(current, "&") {
				separator = ""
			} else {
				separator = "&"
			}
		}
		return current + separator + key + "=" + value
	}
	dsn = appendParam(dsn, "prefer_simple_protocol", "true")
	dsn = appendParam(dsn, "statement_cache_capacity", "0")
	dsn = appendParam(dsn, "default_query_exec_mode", "simple_protocol")
	return dsn
}
