package statestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"fluxdnsd/cluster"
)

const (
	clusterStateRangeKey = "cluster-state"
	noRevisionCondition  = "attribute_not_exists(revision) OR NOT attribute_type(revision, :string)"
)

// DynamoDBAPI is the subset of the DynamoDB client used by the store.
type DynamoDBAPI interface {
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// DynamoDBStore keeps one item per application in a table keyed by
// (app_name, key). Writes are conditional on the previous revision.
type DynamoDBStore struct {
	client    DynamoDBAPI
	tableName string
	appName   string
	log       *zap.Logger
}

type stateItem struct {
	AppName   string `dynamodbav:"app_name"`
	Key       string `dynamodbav:"key"`
	State     string `dynamodbav:"state"`
	Revision  string `dynamodbav:"revision"`
	UpdatedAt string `dynamodbav:"updated_at"`
}

func NewDynamoDBStore(client DynamoDBAPI, tableName string, appName string, log *zap.Logger) *DynamoDBStore {
	if log == nil {
		log = zap.NewNop()
	}
	return &DynamoDBStore{
		client:    client,
		tableName: tableName,
		appName:   appName,
		log:       log.Named("dynamodb-store").With(zap.String("app", appName)),
	}
}

// InitTable creates the table if it does not exist yet.
func (d *DynamoDBStore) InitTable(ctx context.Context) error {
	_, err := d.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(d.tableName),
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("app_name"), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String("key"), KeyType: types.KeyTypeRange},
		},
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("app_name"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("key"), AttributeType: types.ScalarAttributeTypeS},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	if err != nil {
		var resourceInUse *types.ResourceInUseException
		if errors.As(err, &resourceInUse) {
			d.log.Debug("Table already exists, skipping creation", zap.String("table", d.tableName))
			return nil
		}
		return fmt.Errorf("failed to create DynamoDB table: %w", err)
	}
	return nil
}

func (d *DynamoDBStore) itemKey() map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"app_name": &types.AttributeValueMemberS{Value: d.appName},
		"key":      &types.AttributeValueMemberS{Value: clusterStateRangeKey},
	}
}

func (d *DynamoDBStore) Load(ctx context.Context) (Snapshot, error) {
	resp, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.tableName),
		Key:            d.itemKey(),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to get cluster state from DynamoDB: %w", err)
	}
	if len(resp.Item) == 0 {
		return Snapshot{}, nil
	}

	return decodeStateItem(resp.Item)
}

func decodeStateItem(attrs map[string]types.AttributeValue) (Snapshot, error) {
	// The revision is read on its own so that a Save can replace an item
	// whose other attributes are unreadable.
	var snap Snapshot
	if rev, ok := attrs["revision"].(*types.AttributeValueMemberS); ok {
		snap.Revision = rev.Value
	}

	var item stateItem
	if err := attributevalue.UnmarshalMap(attrs, &item); err != nil {
		return snap, fmt.Errorf("%w: %w", ErrCorruptState, err)
	}
	if err := checkRevision(snap.Revision); err != nil {
		return snap, err
	}

	state, err := cluster.Decode([]byte(item.State))
	if err != nil {
		return snap, fmt.Errorf("%w: %w", ErrCorruptState, err)
	}
	snap.State = state
	return snap, nil
}

func (d *DynamoDBStore) encodeStateItem(state cluster.State, rev string, now time.Time) (map[string]types.AttributeValue, error) {
	return attributevalue.MarshalMap(stateItem{
		AppName:   d.appName,
		Key:       clusterStateRangeKey,
		State:     string(cluster.Encode(state)),
		Revision:  rev,
		UpdatedAt: now.UTC().Format(time.RFC3339),
	})
}

func (d *DynamoDBStore) Save(ctx context.Context, prev string, state cluster.State) (string, error) {
	next := uuid.NewString()
	value, err := d.encodeStateItem(state, next, time.Now())
	if err != nil {
		return "", fmt.Errorf("failed to marshal cluster state: %w", err)
	}

	putItemInput := dynamodb.PutItemInput{
		TableName: aws.String(d.tableName),
		Item:      value,
	}
	if prev != "" {
		putItemInput.ConditionExpression = aws.String("revision = :prev")
		putItemInput.ExpressionAttributeValues = map[string]types.AttributeValue{
			":prev": &types.AttributeValueMemberS{Value: prev},
		}
	} else {
		// A revision of the wrong type is as good as none.
		putItemInput.ConditionExpression = aws.String(noRevisionCondition)
		putItemInput.ExpressionAttributeValues = map[string]types.AttributeValue{
			":string": &types.AttributeValueMemberS{Value: string(types.ScalarAttributeTypeS)},
		}
	}

	if _, err := d.client.PutItem(ctx, &putItemInput); err != nil {
		var conditionErr *types.ConditionalCheckFailedException
		if errors.As(err, &conditionErr) {
			return "", ErrConflict
		}
		return "", fmt.Errorf("failed to write cluster state to DynamoDB: %w", err)
	}

	return next, nil
}
