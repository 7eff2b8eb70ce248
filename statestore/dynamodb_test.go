package statestore

import (
	"context"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fluxdnsd/cluster"
)

// fakeDynamoDB stores a single item and evaluates the two condition
// expressions the store uses.
type fakeDynamoDB struct {
	item   map[string]types.AttributeValue
	tables []string
}

func (f *fakeDynamoDB) CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error) {
	name := aws.ToString(params.TableName)
	for _, t := range f.tables {
		if t == name {
			return nil, &types.ResourceInUseException{}
		}
	}
	f.tables = append(f.tables, name)
	return &dynamodb.CreateTableOutput{}, nil
}

func (f *fakeDynamoDB) GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	return &dynamodb.GetItemOutput{Item: f.item}, nil
}

func (f *fakeDynamoDB) PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	current, hasString := f.item["revision"].(*types.AttributeValueMemberS)

	switch aws.ToString(params.ConditionExpression) {
	case noRevisionCondition:
		if hasString {
			return nil, &types.ConditionalCheckFailedException{}
		}
	case "revision = :prev":
		prev := params.ExpressionAttributeValues[":prev"].(*types.AttributeValueMemberS).Value
		if !hasString || prev != current.Value {
			return nil, &types.ConditionalCheckFailedException{}
		}
	default:
		return nil, fmt.Errorf("unexpected condition %q", aws.ToString(params.ConditionExpression))
	}

	f.item = params.Item
	return &dynamodb.PutItemOutput{}, nil
}

func TestDynamoDBStore_SaveLoad(t *testing.T) {
	fake := &fakeDynamoDB{}
	store := NewDynamoDBStore(fake, "fluxdnsd-clusters", "foo", nil)
	ctx := context.Background()

	snap, err := store.Load(ctx)
	require.NoError(t, err)
	assert.True(t, snap.State.IsEmpty())

	rev, err := store.Save(ctx, "", sampleState())
	require.NoError(t, err)

	snap, err = store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, rev, snap.Revision)
	assert.Equal(t, sampleState(), snap.State)

	assert.Equal(t, "foo", fake.item["app_name"].(*types.AttributeValueMemberS).Value)
	assert.Equal(t, "cluster-state", fake.item["key"].(*types.AttributeValueMemberS).Value)
}

func TestDynamoDBStore_Conflict(t *testing.T) {
	fake := &fakeDynamoDB{}
	store := NewDynamoDBStore(fake, "fluxdnsd-clusters", "foo", nil)
	ctx := context.Background()

	_, err := store.Save(ctx, "", sampleState())
	require.NoError(t, err)

	_, err = store.Save(ctx, "", sampleState())
	assert.ErrorIs(t, err, ErrConflict)

	_, err = store.Save(ctx, uuid.NewString(), sampleState())
	assert.ErrorIs(t, err, ErrConflict)
}

func corruptItem(state, revision types.AttributeValue) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"app_name": &types.AttributeValueMemberS{Value: "foo"},
		"key":      &types.AttributeValueMemberS{Value: "cluster-state"},
		"state":    state,
		"revision": revision,
	}
}

func TestDynamoDBStore_CorruptStateIsReplaced(t *testing.T) {
	rev := uuid.NewString()
	cases := map[string]struct {
		item    map[string]types.AttributeValue
		wantRev string
		corrupt bool
	}{
		"bad state": {
			item:    corruptItem(&types.AttributeValueMemberS{Value: "not a state"}, &types.AttributeValueMemberS{Value: rev}),
			wantRev: rev,
			corrupt: true,
		},
		"bad revision": {
			item:    corruptItem(&types.AttributeValueMemberS{Value: string(cluster.Encode(sampleState()))}, &types.AttributeValueMemberS{Value: "not-a-uuid"}),
			wantRev: "not-a-uuid",
			corrupt: true,
		},
		"state of the wrong type": {
			item:    corruptItem(&types.AttributeValueMemberBOOL{Value: true}, &types.AttributeValueMemberS{Value: rev}),
			wantRev: rev,
			corrupt: true,
		},
		"revision of the wrong type": {
			item:    corruptItem(&types.AttributeValueMemberS{Value: string(cluster.Encode(sampleState()))}, &types.AttributeValueMemberBOOL{Value: true}),
			wantRev: "",
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			fake := &fakeDynamoDB{item: tc.item}
			store := NewDynamoDBStore(fake, "fluxdnsd-clusters", "foo", nil)
			ctx := context.Background()

			snap, err := store.Load(ctx)
			if tc.corrupt {
				assert.ErrorIs(t, err, ErrCorruptState)
			}
			assert.Equal(t, tc.wantRev, snap.Revision)

			// Every later pass must be able to replace the item.
			next, err := store.Save(ctx, snap.Revision, sampleState())
			require.NoError(t, err)

			snap, err = store.Load(ctx)
			require.NoError(t, err)
			assert.Equal(t, next, snap.Revision)
			assert.Equal(t, sampleState(), snap.State)
		})
	}
}

func TestDynamoDBStore_InitTableIsIdempotent(t *testing.T) {
	fake := &fakeDynamoDB{}
	store := NewDynamoDBStore(fake, "fluxdnsd-clusters", "", nil)

	require.NoError(t, store.InitTable(context.Background()))
	require.NoError(t, store.InitTable(context.Background()))
	assert.Equal(t, []string{"fluxdnsd-clusters"}, fake.tables)
}
