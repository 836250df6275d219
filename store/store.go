package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/mod/semver"

	"github.com/hrygo/activematrix/internal/profile"
	"github.com/hrygo/activematrix/internal/version"
	"github.com/hrygo/activematrix/store/cache"
)

const (
	systemInfoSchemaVersion = "schema_version"

	defaultCacheCapacity = 4096
	defaultCacheTTL      = 10 * time.Minute
)

// Store provides database access to all persistent objects plus the
// shared TTL cache the memory tiers write through.
type Store struct {
	profile *profile.Profile
	driver  Driver
	cache   cache.Cache
}

// New creates a Store over a dialect driver.
func New(driver Driver, profile *profile.Profile) *Store {
	return &Store{
		driver:  driver,
		profile: profile,
		cache:   cache.NewLRUCache(defaultCacheCapacity, defaultCacheTTL),
	}
}

// Cache returns the shared TTL cache.
func (s *Store) Cache() cache.Cache { return s.cache }

// GetDriver exposes the dialect driver for migration tooling.
func (s *Store) GetDriver() Driver { return s.driver }

func (s *Store) Close() error {
	s.cache.Clear()
	return s.driver.Close()
}

func (s *Store) now() int64 { return time.Now().Unix() }

func (s *Store) prepareAgent(create *Agent) {
	if create.ID == "" {
		create.ID = uuid.NewString()
	}
	if create.State == "" {
		create.State = AgentStateOffline
	}
	if create.Settings == "" {
		create.Settings = "{}"
	}
	now := s.now()
	if create.CreatedTs == 0 {
		create.CreatedTs = now
	}
	if create.UpdatedTs == 0 {
		create.UpdatedTs = now
	}
}

// Migrate creates missing tables and refuses to run against a schema
// written by a newer release. The stored schema version is bumped to the
// running version on success.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.driver.Migrate(ctx); err != nil {
		return errors.Wrap(err, "failed to run migrations")
	}

	stored, err := s.driver.GetSystemInfo(ctx, systemInfoSchemaVersion)
	if err != nil {
		return errors.Wrap(err, "failed to read schema version")
	}
	current := "v" + version.Version
	if stored != "" {
		if prev := "v" + stored; semver.IsValid(prev) && semver.IsValid(current) &&
			semver.Compare(prev, current) > 0 {
			return errors.Errorf("database schema %s is newer than binary %s, refusing to downgrade", stored, version.Version)
		}
	}
	if stored != version.Version {
		if err := s.driver.UpsertSystemInfo(ctx, systemInfoSchemaVersion, version.Version); err != nil {
			return errors.Wrap(err, "failed to record schema version")
		}
	}
	return nil
}
