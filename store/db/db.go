// Package db selects a store driver by profile.
package db

import (
	"github.com/pkg/errors"

	"github.com/hrygo/activematrix/internal/profile"
	"github.com/hrygo/activematrix/store"
	"github.com/hrygo/activematrix/store/db/postgres"
	"github.com/hrygo/activematrix/store/db/sqlite"
)

// NewDBDriver creates the store driver named by profile.Driver.
func NewDBDriver(profile *profile.Profile) (store.Driver, error) {
	switch profile.Driver {
	case "sqlite":
		return sqlite.NewDB(profile)
	case "postgres":
		return postgres.NewDB(profile)
	default:
		return nil, errors.Errorf("unknown db driver: %s", profile.Driver)
	}
}
