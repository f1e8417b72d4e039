// Package metastore provides a Metastore implementation backed by Amazon
// DynamoDB, suitable for multi-region deployments via global tables.
package metastore

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	metrics "github.com/rcrowley/go-metrics"

	envelopecrypt "github.com/vaultguard/envelopecrypt"
)

const (
	defaultTableName = "EncryptionKey"
	partitionKey     = "Id"
	sortKey          = "Created"
	keyRecordAttr    = "KeyRecord"
)

var (
	loadTimer       = metrics.GetOrRegisterTimer(fmt.Sprintf("%s.metastore.dynamodb.load", envelopecrypt.MetricsPrefix), nil)
	loadLatestTimer = metrics.GetOrRegisterTimer(fmt.Sprintf("%s.metastore.dynamodb.loadlatest", envelopecrypt.MetricsPrefix), nil)
	storeTimer      = metrics.GetOrRegisterTimer(fmt.Sprintf("%s.metastore.dynamodb.store", envelopecrypt.MetricsPrefix), nil)
)

// ErrItemDecode is returned when a DynamoDB item cannot be decoded into an
// EnvelopeKeyRecord.
var ErrItemDecode = errors.New("metastore: unable to decode dynamodb item")

// Client is the subset of the DynamoDB API this metastore depends on.
type Client interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Options() dynamodb.Options
}

// Option configures a Metastore.
type Option func(*Metastore)

// WithRegionSuffix enables region-suffixed partition naming, required when
// running against a DynamoDB global table to avoid last-writer-wins write
// conflicts across regions. The suffix is the client's configured region,
// surfaced through GetRegionSuffix.
func WithRegionSuffix(enabled bool) Option {
	return func(d *Metastore) { d.regionSuffixEnabled = enabled }
}

// WithTableName overrides the default table name "EncryptionKey".
func WithTableName(name string) Option {
	return func(d *Metastore) {
		if name != "" {
			d.tableName = name
		}
	}
}

// WithClient supplies a preconfigured DynamoDB client, overriding the
// default client built from the ambient AWS config.
func WithClient(client Client) Option {
	return func(d *Metastore) { d.svc = client }
}

// Metastore implements envelopecrypt.Metastore and envelopecrypt.RegionSuffixed
// atop Amazon DynamoDB.
type Metastore struct {
	svc       Client
	tableName string

	regionSuffix        string
	regionSuffixEnabled bool
}

var _ envelopecrypt.Metastore = (*Metastore)(nil)
var _ envelopecrypt.RegionSuffixed = (*Metastore)(nil)

// New returns a DynamoDB-backed Metastore.
func New(opts ...Option) (*Metastore, error) {
	d := &Metastore{tableName: defaultTableName}

	for _, opt := range opts {
		opt(d)
	}

	if d.svc == nil {
		client, err := newDefaultClient()
		if err != nil {
			return nil, err
		}

		d.svc = client
	}

	if d.regionSuffixEnabled {
		d.regionSuffix = d.svc.Options().Region
	}

	return d, nil
}

func newDefaultClient() (Client, error) {
	cfg, err := config.LoadDefaultConfig(context.Background())
	if err != nil {
		return nil, fmt.Errorf("metastore: loading default AWS config: %w", err)
	}

	return dynamodb.NewFromConfig(cfg), nil
}

// GetRegionSuffix implements envelopecrypt.RegionSuffixed.
func (d *Metastore) GetRegionSuffix() string {
	return d.regionSuffix
}

// Load implements envelopecrypt.Metastore.
func (d *Metastore) Load(ctx context.Context, id string, created int64) (*envelopecrypt.EnvelopeKeyRecord, error) {
	defer loadTimer.UpdateSince(time.Now())

	proj := expression.NamesList(expression.Name(keyRecordAttr))

	expr, err := expression.NewBuilder().WithProjection(proj).Build()
	if err != nil {
		return nil, fmt.Errorf("metastore: building projection: %w", err)
	}

	res, err := d.svc.GetItem(ctx, &dynamodb.GetItemInput{
		ExpressionAttributeNames: expr.Names(),
		Key: map[string]types.AttributeValue{
			partitionKey: &types.AttributeValueMemberS{Value: id},
			sortKey:      &types.AttributeValueMemberN{Value: strconv.FormatInt(created, 10)},
		},
		ProjectionExpression: expr.Projection(),
		TableName:            aws.String(d.tableName),
		ConsistentRead:       aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("metastore: get item: %w", err)
	}

	if res.Item == nil {
		return nil, nil
	}

	return decodeItem(res.Item)
}

// LoadLatest implements envelopecrypt.Metastore.
func (d *Metastore) LoadLatest(ctx context.Context, id string) (*envelopecrypt.EnvelopeKeyRecord, error) {
	defer loadLatestTimer.UpdateSince(time.Now())

	cond := expression.Key(partitionKey).Equal(expression.Value(id))
	proj := expression.NamesList(expression.Name(keyRecordAttr))

	expr, err := expression.NewBuilder().WithKeyCondition(cond).WithProjection(proj).Build()
	if err != nil {
		return nil, fmt.Errorf("metastore: building query expression: %w", err)
	}

	res, err := d.svc.Query(ctx, &dynamodb.QueryInput{
		ConsistentRead:            aws.Bool(true),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		KeyConditionExpression:    expr.KeyCondition(),
		Limit:                     aws.Int32(1),
		ProjectionExpression:      expr.Projection(),
		ScanIndexForward:          aws.Bool(false),
		TableName:                 aws.String(d.tableName),
	})
	if err != nil {
		return nil, fmt.Errorf("metastore: query: %w", err)
	}

	if len(res.Items) == 0 {
		return nil, nil
	}

	return decodeItem(res.Items[0])
}

// Store implements envelopecrypt.Metastore. A pre-existing (id, created)
// pair is reported as (false, nil), never an error; DynamoDB's conditional
// write lets us tell the two cases apart precisely, unlike a generic SQL
// driver.
func (d *Metastore) Store(ctx context.Context, id string, created int64, ekr *envelopecrypt.EnvelopeKeyRecord) (bool, error) {
	defer storeTimer.UpdateSince(time.Now())

	var km *keyMeta
	if ekr.ParentKeyMeta != nil {
		km = &keyMeta{ID: ekr.ParentKeyMeta.ID, Created: ekr.ParentKeyMeta.Created}
	}

	en := &envelope{
		Revoked:       ekr.Revoked,
		Created:       ekr.Created,
		EncryptedKey:  base64.StdEncoding.EncodeToString(ekr.EncryptedKey),
		ParentKeyMeta: km,
	}

	av, err := attributevalue.MarshalMap(en)
	if err != nil {
		return false, fmt.Errorf("metastore: marshal envelope: %w", err)
	}

	_, err = d.svc.PutItem(ctx, &dynamodb.PutItemInput{
		Item: map[string]types.AttributeValue{
			partitionKey:  &types.AttributeValueMemberS{Value: id},
			sortKey:       &types.AttributeValueMemberN{Value: strconv.FormatInt(created, 10)},
			keyRecordAttr: &types.AttributeValueMemberM{Value: av},
		},
		TableName:           aws.String(d.tableName),
		ConditionExpression: aws.String("attribute_not_exists(" + partitionKey + ")"),
	})
	if err != nil {
		var ccfe *types.ConditionalCheckFailedException
		if errors.As(err, &ccfe) {
			return false, nil
		}

		return false, fmt.Errorf("metastore: put item %s, %d: %w", id, created, err)
	}

	return true, nil
}

type metastoreItem struct {
	ID        string    `dynamodbav:"Id"`
	Created   int64     `dynamodbav:"Created"`
	KeyRecord *envelope `dynamodbav:"KeyRecord"`
}

type envelope struct {
	Revoked       bool     `dynamodbav:"Revoked,omitempty"`
	Created       int64    `dynamodbav:"Created"`
	EncryptedKey  string   `dynamodbav:"Key"`
	ParentKeyMeta *keyMeta `dynamodbav:"ParentKeyMeta,omitempty"`
}

type keyMeta struct {
	ID      string `dynamodbav:"KeyId"`
	Created int64  `dynamodbav:"Created"`
}

func decodeItem(m map[string]types.AttributeValue) (*envelopecrypt.EnvelopeKeyRecord, error) {
	var item metastoreItem

	if err := attributevalue.UnmarshalMap(m, &item); err != nil {
		return nil, fmt.Errorf("metastore: unmarshal item: %w", err)
	}

	en := item.KeyRecord
	if en == nil {
		return nil, fmt.Errorf("%w: nil key record", ErrItemDecode)
	}

	encryptedKey, err := base64.StdEncoding.DecodeString(en.EncryptedKey)
	if err != nil {
		return nil, fmt.Errorf("metastore: decode encrypted key: %w", err)
	}

	var km *envelopecrypt.KeyMeta
	if en.ParentKeyMeta != nil {
		km = &envelopecrypt.KeyMeta{ID: en.ParentKeyMeta.ID, Created: en.ParentKeyMeta.Created}
	}

	return &envelopecrypt.EnvelopeKeyRecord{
		ID:            item.ID,
		Revoked:       en.Revoked,
		Created:       en.Created,
		EncryptedKey:  encryptedKey,
		ParentKeyMeta: km,
	}, nil
}
