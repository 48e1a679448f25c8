package dynamostore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"pastebin/internal/storage"
)

// API is the subset of the DynamoDB client the store uses.
type API interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// Store implements storage.Store using DynamoDB.
//
// Timestamps are stored as unix milliseconds. The "ttl" attribute (unix
// seconds) lets DynamoDB's TTL feature delete expired items.
type Store struct {
	client    API
	tableName string
	timeout   time.Duration
}

// Open loads the default AWS configuration for region. A non-empty endpoint
// points the client at DynamoDB Local or another compatible service.
func Open(ctx context.Context, tableName, region, endpoint string, opts storage.Options) (*Store, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return New(client, tableName, opts.QueryTimeout), nil
}

// New wraps an existing client.
func New(client API, tableName string, timeout time.Duration) *Store {
	return &Store{client: client, tableName: tableName, timeout: timeout}
}

// Insert stores a new paste. It never overwrites an existing id.
func (d *Store) Insert(ctx context.Context, paste *storage.Paste) error {
	if paste == nil {
		return errors.New("paste is nil")
	}
	ctx, cancel := storage.WithTimeout(ctx, d.timeout)
	defer cancel()

	_, err := d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(d.tableName),
		Item:                pasteToItem(paste),
		ConditionExpression: aws.String("attribute_not_exists(id)"),
	})
	if isConditionFailed(err) {
		return storage.ErrConflict
	}
	if err != nil {
		return classify("insert paste", err)
	}
	return nil
}

// Consume increments the view counter with a conditional UpdateItem. The
// condition holds the availability guard, so DynamoDB evaluates check and
// write as one operation.
func (d *Store) Consume(ctx context.Context, id string, now time.Time) (*storage.Paste, error) {
	ctx, cancel := storage.WithTimeout(ctx, d.timeout)
	defer cancel()

	out, err := d.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(d.tableName),
		Key: map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: id},
		},
		UpdateExpression: aws.String("SET view_count = view_count + :one"),
		ConditionExpression: aws.String("attribute_exists(id)" +
			" AND (attribute_not_exists(expires_at) OR expires_at > :now)" +
			" AND (attribute_not_exists(max_views) OR view_count < max_views)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":one": &types.AttributeValueMemberN{Value: "1"},
			":now": &types.AttributeValueMemberN{Value: strconv.FormatInt(now.UnixMilli(), 10)},
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	if isConditionFailed(err) {
		return nil, storage.ErrUnavailable
	}
	if err != nil {
		return nil, classify("consume paste", err)
	}
	return itemToPaste(out.Attributes)
}

// Get fetches a paste by id without touching its view counter.
func (d *Store) Get(ctx context.Context, id string) (*storage.Paste, error) {
	ctx, cancel := storage.WithTimeout(ctx, d.timeout)
	defer cancel()

	out, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(d.tableName),
		Key: map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: id},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, classify("get paste", err)
	}
	if out.Item == nil {
		return nil, storage.ErrNotFound
	}
	return itemToPaste(out.Item)
}

// Purge is a no-op: DynamoDB TTL removes expired items, and exhausted items
// stay unreadable until then.
func (d *Store) Purge(ctx context.Context, now time.Time) (int, error) {
	return 0, nil
}

// Ping describes the table.
func (d *Store) Ping(ctx context.Context) error {
	ctx, cancel := storage.WithTimeout(ctx, d.timeout)
	defer cancel()
	_, err := d.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(d.tableName),
	})
	if err != nil {
		return classify("ping", err)
	}
	return nil
}

// Close is a no-op for DynamoDB.
func (d *Store) Close() error {
	return nil
}

func pasteToItem(p *storage.Paste) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"id":         &types.AttributeValueMemberS{Value: p.ID},
		"content":    &types.AttributeValueMemberS{Value: p.Content},
		"created_at": &types.AttributeValueMemberN{Value: strconv.FormatInt(p.CreatedAt.UnixMilli(), 10)},
		"view_count": &types.AttributeValueMemberN{Value: strconv.Itoa(p.ViewCount)},
	}
	if p.ExpiresAt != nil {
		item["expires_at"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(p.ExpiresAt.UnixMilli(), 10)}
		item["ttl"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(p.ExpiresAt.Unix()+1, 10)}
	}
	if p.MaxViews != nil {
		item["max_views"] = &types.AttributeValueMemberN{Value: strconv.Itoa(*p.MaxViews)}
	}
	return item
}

func itemToPaste(item map[string]types.AttributeValue) (*storage.Paste, error) {
	paste := &storage.Paste{}

	id, ok := item["id"].(*types.AttributeValueMemberS)
	if !ok {
		return nil, &storage.QueryError{Op: "decode paste", Err: errors.New("missing id attribute")}
	}
	paste.ID = id.Value

	if content, ok := item["content"].(*types.AttributeValueMemberS); ok {
		paste.Content = content.Value
	}

	createdAt, err := numberAttr(item, "created_at")
	if err != nil {
		return nil, err
	}
	if createdAt != nil {
		paste.CreatedAt = time.UnixMilli(*createdAt).UTC()
	}

	expiresAt, err := numberAttr(item, "expires_at")
	if err != nil {
		return nil, err
	}
	if expiresAt != nil {
		t := time.UnixMilli(*expiresAt).UTC()
		paste.ExpiresAt = &t
	}

	maxViews, err := numberAttr(item, "max_views")
	if err != nil {
		return nil, err
	}
	if maxViews != nil {
		v := int(*maxViews)
		paste.MaxViews = &v
	}

	views, err := numberAttr(item, "view_count")
	if err != nil {
		return nil, err
	}
	if views != nil {
		paste.ViewCount = int(*views)
	}
	return paste, nil
}

func numberAttr(item map[string]types.AttributeValue, name string) (*int64, error) {
	attr, ok := item[name].(*types.AttributeValueMemberN)
	if !ok {
		return nil, nil
	}
	n, err := strconv.ParseInt(attr.Value, 10, 64)
	if err != nil {
		return nil, &storage.QueryError{Op: "decode paste", Err: fmt.Errorf("attribute %s: %w", name, err)}
	}
	return &n, nil
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

// classify treats any error the service answered as a query failure and
// everything else (dial, TLS, timeouts) as unreachable.
func classify(op string, err error) error {
	if storage.IsContextError(err) {
		return &storage.ConnectionError{Op: op, Err: err}
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return &storage.QueryError{Op: op, Err: err}
	}
	return &storage.ConnectionError{Op: op, Err: err}
}
