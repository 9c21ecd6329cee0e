package redis

import (
	"context"
	"fmt"

	"duocall/internal/core/domain"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	schemaVersionKey     = keyPrefix + "schema:version"
	currentSchemaVersion = 2
	scanBatch            = 200
)

// Migration represents a schema migration
type Migration struct {
	Version int
	Up      func(ctx context.Context, client redis.UniversalClient) error
}

// Migrate runs all pending migrations
func Migrate(ctx context.Context, client redis.UniversalClient, logger *zap.SugaredLogger) error {
	currentVersion, err := getSchemaVersion(ctx, client)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	if currentVersion >= currentSchemaVersion {
		if logger != nil {
			logger.Debugw("schema is up to date",
				"current_version", currentVersion,
				"target_version", currentSchemaVersion,
			)
		}
		return nil
	}

	for _, migration := range getMigrations() {
		if migration.Version <= currentVersion {
			continue
		}
		if logger != nil {
			logger.Infow("running migration", "version", migration.Version)
		}

		if err := migration.Up(ctx, client); err != nil {
			return fmt.Errorf("migration %d failed: %w", migration.Version, err)
		}
		if err := setSchemaVersion(ctx, client, migration.Version); err != nil {
			return fmt.Errorf("failed to update schema version: %w", err)
		}
	}

	if logger != nil {
		logger.Infow("all migrations completed", "final_version", currentSchemaVersion)
	}
	return nil
}

func getSchemaVersion(ctx context.Context, client redis.UniversalClient) (int, error) {
	val, err := client.Get(ctx, schemaVersionKey).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

func setSchemaVersion(ctx context.Context, client redis.UniversalClient, version int) error {
	return client.Set(ctx, schemaVersionKey, version, 0).Err()
}

func getMigrations() []Migration {
	return []Migration{
		{
			// Version 1: records as JSON under duocall:call:<id>. Nothing to build.
			Version: 1,
			Up: func(ctx context.Context, client redis.UniversalClient) error {
				return nil
			},
		},
		{
			// Version 2: per-user role indexes and open pair claims.
			Version: 2,
			Up:      rebuildIndexes,
		},
	}
}

// rebuildIndexes scans every stored record and restores the index sets and
// pair claims Find and Create rely on.
func rebuildIndexes(ctx context.Context, client redis.UniversalClient) error {
	iter := client.Scan(ctx, 0, callKey("*"), scanBatch).Iterator()
	for iter.Next(ctx) {
		data, err := client.Get(ctx, iter.Val()).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return err
		}
		record, err := decodeRecord(data)
		if err != nil {
			// Not a record; leave it alone.
			continue
		}

		_, err = client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SAdd(ctx, userIndexKey(record.Initiator, domain.RoleInitiator), string(record.ID))
			pipe.SAdd(ctx, userIndexKey(record.Responder, domain.RoleResponder), string(record.ID))
			if record.Status.Open() {
				pipe.SetNX(ctx, pairKey(record.PairKey()), string(record.ID), 0)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return iter.Err()
}
