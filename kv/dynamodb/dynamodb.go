// Package dynamodb provides a DynamoDB implementation of kv.Store.
//
// The table schema splits a Key into a partition key (pk) and sort key (sk):
// the first two segments form pk, the remainder forms sk. This means a scan
// whose prefix has fewer than three segments can only be satisfied by a
// Query on pk alone (no begins_with needed — the whole partition matches);
// a prefix of three or more segments additionally filters with
// begins_with(sk, ...). Prefixes that don't include at least the first two
// segments of the key space cannot be served by a single partition Query at
// all: Scan returns an error for them rather than partial results. Open
// does not check which prefixes callers will use, so the rejection happens
// when such a Scan is called, not at construction time.
package dynamodb

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/dexidp/openauth/kv"
)

var _ kv.Store = (*Store)(nil)

const (
	attrPK     = "pk"
	attrSK     = "sk"
	attrValue  = "value"
	attrExpiry = "expiry"
)

// Config configures the DynamoDB store.
type Config struct {
	Table string
	// MinPrefixSegments is the minimum number of leading segments any caller
	// of Scan must supply; Scan returns an error for a shorter prefix.
	// Defaults to 2 (pk-only scans).
	MinPrefixSegments int
}

// Open wires a DynamoDB client from the ambient AWS config and returns a
// kv.Store.
func (c *Config) Open(ctx context.Context, awsCfg aws.Config, logger *slog.Logger) (*Store, error) {
	if c.Table == "" {
		return nil, fmt.Errorf("dynamodb: table name required")
	}
	min := c.MinPrefixSegments
	if min == 0 {
		min = 2
	}
	return &Store{
		db:                dynamodb.NewFromConfig(awsCfg),
		table:             c.Table,
		minPrefixSegments: min,
		logger:            logger,
		now:               time.Now,
	}, nil
}

// Store is an aws-sdk-go-v2 dynamodb-backed kv.Store.
type Store struct {
	db                *dynamodb.Client
	table             string
	minPrefixSegments int
	logger            *slog.Logger
	now               func() time.Time
}

func (s *Store) Close() error { return nil }

// split divides a Key into (pk, sk) per the module doc.
func split(key kv.Key) (pk, sk string) {
	if len(key) <= 2 {
		return key.Join(), ""
	}
	pk = kv.Key(key[:2]).Join()
	sk = kv.Key(key[2:]).Join()
	return pk, sk
}

func (s *Store) Get(ctx context.Context, key kv.Key) ([]byte, error) {
	pk, sk := split(key)
	out, err := s.db.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key: map[string]types.AttributeValue{
			attrPK: &types.AttributeValueMemberS{Value: pk},
			attrSK: &types.AttributeValueMemberS{Value: sk},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("dynamodb: get: %w", err)
	}
	if out.Item == nil {
		return nil, kv.ErrNotFound
	}
	if expired(out.Item, s.now()) {
		_ = s.Remove(ctx, key)
		return nil, kv.ErrNotFound
	}
	v, ok := out.Item[attrValue].(*types.AttributeValueMemberB)
	if !ok {
		return nil, kv.ErrNotFound
	}
	return v.Value, nil
}

func (s *Store) Set(ctx context.Context, key kv.Key, value []byte, ttl time.Duration) error {
	pk, sk := split(key)
	item := map[string]types.AttributeValue{
		attrPK:    &types.AttributeValueMemberS{Value: pk},
		attrSK:    &types.AttributeValueMemberS{Value: sk},
		attrValue: &types.AttributeValueMemberB{Value: value},
	}
	if ttl > 0 {
		item[attrExpiry] = &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", s.now().Add(ttl).Unix())}
	}
	_, err := s.db.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("dynamodb: set: %w", err)
	}
	return nil
}

func (s *Store) Remove(ctx context.Context, key kv.Key) error {
	pk, sk := split(key)
	_, err := s.db.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key: map[string]types.AttributeValue{
			attrPK: &types.AttributeValueMemberS{Value: pk},
			attrSK: &types.AttributeValueMemberS{Value: sk},
		},
	})
	if err != nil {
		return fmt.Errorf("dynamodb: remove: %w", err)
	}
	return nil
}

func (s *Store) Scan(ctx context.Context, prefix kv.Key) (kv.Iterator, error) {
	if len(prefix) < s.minPrefixSegments {
		return nil, fmt.Errorf("dynamodb: scan prefix must have at least %d segments (got %d); this table cannot serve shorter prefixes without a full table scan", s.minPrefixSegments, len(prefix))
	}

	pk, skPrefix := split(prefix)

	var builder expression.KeyConditionBuilder
	if skPrefix == "" {
		builder = expression.Key(attrPK).Equal(expression.Value(pk))
	} else {
		builder = expression.Key(attrPK).Equal(expression.Value(pk)).
			And(expression.Key(attrSK).BeginsWith(skPrefix))
	}
	expr, err := expression.NewBuilder().WithKeyCondition(builder).Build()
	if err != nil {
		return nil, fmt.Errorf("dynamodb: build expression: %w", err)
	}

	var out []kv.Entry
	now := s.now()
	paginator := dynamodb.NewQueryPaginator(s.db, &dynamodb.QueryInput{
		TableName:                 aws.String(s.table),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("dynamodb: query: %w", err)
		}
		for _, item := range page.Items {
			if expired(item, now) {
				continue
			}
			v, ok := item[attrValue].(*types.AttributeValueMemberB)
			if !ok {
				continue
			}
			sk := item[attrSK].(*types.AttributeValueMemberS).Value
			out = append(out, kv.Entry{Key: joinedKey(pk, sk), Value: v.Value})
		}
	}
	return kv.NewSliceIterator(out), nil
}

func expired(item map[string]types.AttributeValue, now time.Time) bool {
	n, ok := item[attrExpiry].(*types.AttributeValueMemberN)
	if !ok {
		return false
	}
	var unix int64
	fmt.Sscanf(n.Value, "%d", &unix)
	return unix != 0 && now.Unix() > unix
}

func joinedKey(pk, sk string) kv.Key {
	segs := strings.Split(pk, "\x1f")
	if sk != "" {
		segs = append(segs, strings.Split(sk, "\x1f")...)
	}
	return kv.Key(segs)
}
