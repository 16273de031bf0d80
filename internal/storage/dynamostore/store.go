// Package dynamostore is a DynamoDB storage adapter. Each model lives in its
// own table keyed by an encoded primary key. A session buffers its writes
// and commits them with one TransactWriteItems call whose condition checks
// catch concurrent creates and unique key collisions. Unique keys are
// enforced through guard items in a separate table; foreign keys are not
// enforced and the engine emulates them.
package dynamostore

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"nestwrite/internal/schema"
	"nestwrite/internal/storage"
)

// maxTransactItems is the DynamoDB limit on items in one transaction.
const maxTransactItems = 100

const (
	keyAttr = "_pk"
	seqAttr = "seq"
)

// API is the subset of the DynamoDB client the store uses.
type API interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// Config names the tables the store uses.
type Config struct {
	// TablePrefix is prepended to every model table name.
	TablePrefix string
	// UniqueTable holds one guard item per unique key value.
	UniqueTable string
	// CounterTable holds per-model sequences for auto integer keys.
	CounterTable string
}

func (c *Config) validate() {
	if c.UniqueTable == "" {
		c.UniqueTable = c.TablePrefix + "nestwrite_unique"
	}
	if c.CounterTable == "" {
		c.CounterTable = c.TablePrefix + "nestwrite_counters"
	}
}

// Store is a storage.Adapter over DynamoDB.
type Store struct {
	api    API
	config Config
}

// New creates a store. Empty table names in config get defaults derived
// from the prefix.
func New(api API, config Config) *Store {
	config.validate()
	return &Store{api: api, config: config}
}

// NewClient builds a DynamoDB client from the default AWS configuration
// chain. A non-empty endpoint overrides the service endpoint, which is how
// DynamoDB Local is reached.
func NewClient(ctx context.Context, region, endpoint string) (*dynamodb.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	}), nil
}

// Capabilities reports that foreign keys are not enforced.
func (s *Store) Capabilities() storage.Capabilities {
	return storage.Capabilities{ForeignKeys: false}
}

// Begin opens a session. Sessions take no locks; conflicts surface at
// Commit.
func (s *Store) Begin(ctx context.Context) (storage.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &session{
		store:   s,
		pending: make(map[string]map[string]*pendingItem),
		guards:  make(map[string]*pendingGuard),
	}, nil
}

// Ping checks that the unique guard table is reachable.
func (s *Store) Ping(ctx context.Context) error {
	_, err := s.api.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.config.UniqueTable),
	})
	return err
}

// TableName returns the table holding model's records.
func (s *Store) TableName(model *schema.Model) string {
	return s.config.TablePrefix + model.Table
}
