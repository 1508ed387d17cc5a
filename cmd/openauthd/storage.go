package main

import (
	"context"
	"fmt"
	"log/slog"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"

	"github.com/dexidp/openauth/kv"
	"github.com/dexidp/openauth/kv/dynamodb"
	"github.com/dexidp/openauth/kv/etcd"
	"github.com/dexidp/openauth/kv/memory"
	"github.com/dexidp/openauth/kv/redis"
	"github.com/dexidp/openauth/kv/sql"
)

// StorageConfig selects and configures one of the kv.Store backends, per
// spec §4.1. Exactly one of the nested blocks is read, according to Type.
type StorageConfig struct {
	// Type is one of "memory", "sql", "redis", "dynamodb", "etcd".
	Type string `json:"type"`

	SQL struct {
		Driver         string `json:"driver"` // sqlite3, postgres, mysql
		DataSourceName string `json:"dataSourceName"`
	} `json:"sql"`

	Redis struct {
		Addr     string `json:"addr"`
		Password string `json:"password"`
		DB       int    `json:"db"`
	} `json:"redis"`

	DynamoDB struct {
		Table             string `json:"table"`
		Region            string `json:"region"`
		MinPrefixSegments int    `json:"minPrefixSegments"`
	} `json:"dynamodb"`

	Etcd struct {
		Endpoints []string `json:"endpoints"`
	} `json:"etcd"`
}

// Open constructs the configured kv.Store.
func (c StorageConfig) Open(ctx context.Context, logger *slog.Logger) (kv.Store, error) {
	switch c.Type {
	case "", "memory":
		return memory.New(logger), nil

	case "sql":
		cfg := sql.Config{Driver: c.SQL.Driver, DataSourceName: c.SQL.DataSourceName}
		return cfg.Open(logger)

	case "redis":
		cfg := redis.Config{Addr: c.Redis.Addr, Password: c.Redis.Password, DB: c.Redis.DB}
		return cfg.Open(logger)

	case "dynamodb":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(c.DynamoDB.Region))
		if err != nil {
			return nil, fmt.Errorf("loading AWS config: %w", err)
		}
		cfg := dynamodb.Config{Table: c.DynamoDB.Table, MinPrefixSegments: c.DynamoDB.MinPrefixSegments}
		return cfg.Open(ctx, awsCfg, logger)

	case "etcd":
		cfg := etcd.Config{Endpoints: c.Etcd.Endpoints}
		return cfg.Open(logger)

	default:
		return nil, fmt.Errorf("invalid config: unknown storage type %q", c.Type)
	}
}
