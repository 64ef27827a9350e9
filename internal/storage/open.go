package storage

import (
	"context"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// Backend names accepted by Open.
const (
	CacheMemory = "memory"
	CacheRedis  = "redis"
	LogFile     = "file"
	LogSQLite   = "sqlite"
	LogPostgres = "postgres"
)

// Options selects and configures the cache and log backends.
type Options struct {
	Cache    string
	Redis    RedisConfig
	Log      string
	Path     string
	Postgres PostgresConfig
}

// Open builds a Store from options.
func Open(ctx context.Context, opts Options, clock clockwork.Clock, logger zerolog.Logger) (*Store, error) {
	var (
		log Log
		err error
	)
	switch opts.Log {
	case LogFile, "":
		log, err = NewFileLog(opts.Path)
	case LogSQLite:
		log, err = NewSQLiteLog(opts.Path)
	case LogPostgres:
		log, err = NewPostgresLog(opts.Postgres)
	default:
		return nil, fmt.Errorf("unknown storage log %q", opts.Log)
	}
	if err != nil {
		return nil, err
	}

	var cache Cache
	switch opts.Cache {
	case CacheMemory, "":
		cache = NewMemoryCache()
	case CacheRedis:
		cache, err = NewRedisCache(ctx, opts.Redis)
		if err != nil {
			_ = log.Close()
			return nil, err
		}
	default:
		_ = log.Close()
		return nil, fmt.Errorf("unknown storage cache %q", opts.Cache)
	}

	logger.Info().Str("cache", opts.Cache).Str("log", opts.Log).Msg("storage opened")
	return NewStore(cache, log, clock, logger), nil
}
