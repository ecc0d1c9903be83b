package dynamodb

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"brain2-uow/internal/repository"
	"brain2-uow/internal/uow"
	apperrors "brain2-uow/pkg/errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClient keeps items in memory and evaluates the version conditions the store sends.
type fakeClient struct {
	mu    sync.Mutex
	items map[string]item
	// failWith, when set, is returned by the next TransactWriteItems call.
	failWith error
	inputs   []*dynamodb.TransactWriteItemsInput
}

func newFakeClient() *fakeClient {
	return &fakeClient{items: make(map[string]item)}
}

func (c *fakeClient) GetItem(ctx context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pk := in.Key["PK"].(*types.AttributeValueMemberS).Value
	it, ok := c.items[pk]
	if !ok {
		return &dynamodb.GetItemOutput{}, nil
	}
	av, err := attributevalue.MarshalMap(it)
	if err != nil {
		return nil, err
	}
	return &dynamodb.GetItemOutput{Item: av}, nil
}

func (c *fakeClient) TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inputs = append(c.inputs, in)
	if c.failWith != nil {
		err := c.failWith
		c.failWith = nil
		return nil, err
	}

	reasons := make([]types.CancellationReason, len(in.TransactItems))
	failed := false
	for i, ti := range in.TransactItems {
		pk, expected := c.target(ti)
		current, exists := c.items[pk]
		ok := (expected == 0 && !exists) || (expected != 0 && exists && current.Version == expected)
		if ok {
			reasons[i] = types.CancellationReason{Code: aws.String("None")}
			continue
		}
		failed = true
		reason := types.CancellationReason{Code: aws.String("ConditionalCheckFailed")}
		if exists {
			reason.Item, _ = attributevalue.MarshalMap(current)
		}
		reasons[i] = reason
	}
	if failed {
		return nil, &types.TransactionCanceledException{Message: aws.String("cancelled"), CancellationReasons: reasons}
	}

	for _, ti := range in.TransactItems {
		var it item
		if err := attributevalue.UnmarshalMap(ti.Put.Item, &it); err != nil {
			return nil, err
		}
		c.items[it.PK] = it
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

// target extracts the key and the expected version from a conditional Put.
func (c *fakeClient) target(ti types.TransactWriteItem) (string, int64) {
	pk := ti.Put.Item["PK"].(*types.AttributeValueMemberS).Value
	for _, v := range ti.Put.ExpressionAttributeValues {
		var expected int64
		if err := attributevalue.Unmarshal(v, &expected); err == nil {
			return pk, expected
		}
	}
	return pk, 0
}

func TestSession_Commit(t *testing.T) {
	ctx := context.Background()

	t.Run("Should create with an attribute_not_exists condition", func(t *testing.T) {
		client := newFakeClient()
		store := NewStore(client, "records", nil)

		session := store.NewSession()
		session.Put("k", []byte("v1"))
		require.NoError(t, session.Commit(ctx))

		require.Len(t, client.inputs, 1)
		put := client.inputs[0].TransactItems[0].Put
		require.NotNil(t, put)
		assert.Contains(t, aws.ToString(put.ConditionExpression), "attribute_not_exists")
		assert.Equal(t, types.ReturnValuesOnConditionCheckFailureAllOld, put.ReturnValuesOnConditionCheckFailure)
		assert.Equal(t, int64(1), client.items["k"].Version)
	})

	t.Run("Should map a failed condition to a conflict carrying the stored version", func(t *testing.T) {
		client := newFakeClient()
		client.items["k"] = item{PK: "k", SK: recordSortKey, Value: []byte("v1"), Version: 1}
		store := NewStore(client, "records", nil)

		session := store.NewSession()
		rec, err := session.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, int64(1), rec.Version)
		client.items["k"] = item{PK: "k", SK: recordSortKey, Value: []byte("theirs"), Version: 4}

		session.Put("k", []byte("mine"))
		err = session.Commit(ctx)

		conflict, ok := uow.AsConflict(err)
		require.True(t, ok)
		assert.Equal(t, []uow.ConflictEntry{{Key: "k", LocalVersion: 1, StoreVersion: 4}}, conflict.Entries)

		require.NoError(t, conflict.Tracker.AcceptStoreVersion(ctx, conflict.Entries[0]))
		require.NoError(t, session.Commit(ctx))
		assert.Equal(t, int64(5), client.items["k"].Version)
		assert.Equal(t, "mine", string(client.items["k"].Value))
	})

	t.Run("Should classify contention cancellations as transient", func(t *testing.T) {
		client := newFakeClient()
		client.failWith = &types.TransactionCanceledException{
			Message:             aws.String("cancelled"),
			CancellationReasons: []types.CancellationReason{{Code: aws.String("TransactionConflict")}},
		}
		session := NewStore(client, "records", nil).NewSession()
		session.Put("k", []byte("v"))

		err := session.Commit(ctx)

		assert.True(t, apperrors.IsUnavailable(err))
		assert.True(t, IsTransient(err))
		assert.False(t, uow.IsConflict(err))
	})

	t.Run("Should delete by putting a tombstone with a version condition", func(t *testing.T) {
		client := newFakeClient()
		client.items["k"] = item{PK: "k", SK: recordSortKey, Value: []byte("v"), Version: 2}
		store := NewStore(client, "records", nil)
		session := store.NewSession()
		_, err := session.Get(ctx, "k")
		require.NoError(t, err)

		session.Delete("k")
		require.NoError(t, session.Commit(ctx))

		put := client.inputs[0].TransactItems[0].Put
		require.NotNil(t, put)
		assert.Contains(t, aws.ToString(put.ConditionExpression), "=")
		assert.Equal(t, item{PK: "k", SK: recordSortKey, Version: 3, Deleted: true}, client.items["k"])
		rec, err := store.NewSession().Get(ctx, "k")
		assert.ErrorIs(t, err, repository.ErrNotFound)
		assert.Equal(t, int64(3), rec.Version)
	})

	t.Run("Should reject a stale write after the key was deleted and recreated", func(t *testing.T) {
		client := newFakeClient()
		client.items["k"] = item{PK: "k", SK: recordSortKey, Value: []byte("original"), Version: 1}
		store := NewStore(client, "records", nil)

		stale := store.NewSession()
		_, err := stale.Get(ctx, "k")
		require.NoError(t, err)

		deleter := store.NewSession()
		_, err = deleter.Get(ctx, "k")
		require.NoError(t, err)
		deleter.Delete("k")
		require.NoError(t, deleter.Commit(ctx))

		creator := store.NewSession()
		_, err = creator.Get(ctx, "k")
		require.ErrorIs(t, err, repository.ErrNotFound)
		creator.Put("k", []byte("recreated"))
		require.NoError(t, creator.Commit(ctx))

		stale.Put("k", []byte("stale overwrite"))
		err = stale.Commit(ctx)

		conflict, ok := uow.AsConflict(err)
		require.True(t, ok, "got %v", err)
		assert.Equal(t, []uow.ConflictEntry{{Key: "k", LocalVersion: 1, StoreVersion: 3}}, conflict.Entries)
		assert.Equal(t, "recreated", string(client.items["k"].Value))
		assert.Equal(t, int64(3), client.items["k"].Version)
	})

	t.Run("Should report missing items as not found", func(t *testing.T) {
		session := NewStore(newFakeClient(), "records", nil).NewSession()
		_, err := session.Get(ctx, "missing")
		assert.ErrorIs(t, err, repository.ErrNotFound)
	})

	t.Run("Should reject oversized transactions", func(t *testing.T) {
		session := NewStore(newFakeClient(), "records", nil).NewSession()
		for i := 0; i <= MaxTransactItems; i++ {
			session.Put(string(rune('a'+i%26))+string(rune('0'+i/26)), []byte("v"))
		}
		assert.True(t, apperrors.IsValidation(session.Commit(ctx)))
	})
}

func TestStore_RetryUnitOfWork_ClientWins(t *testing.T) {
	client := newFakeClient()
	client.items["counter"] = item{PK: "counter", SK: recordSortKey, Value: []byte("0"), Version: 1}
	store := NewStore(client, "records", nil)
	cfg := uow.Config{Strategy: uow.StrategyClientWins, StoreFactory: store.Factory(), IsTransient: IsTransient}
	first := true

	_, err := uow.RetryUnitOfWork(context.Background(), cfg, uow.Policy{MaxRetries: 3},
		func(ctx context.Context, h uow.StoreHandle) (struct{}, error) {
			session, _ := repository.SessionFrom(h)
			if _, err := session.Get(ctx, "counter"); err != nil {
				return struct{}{}, err
			}
			if first {
				// Someone else writes between our read and our commit.
				client.mu.Lock()
				client.items["counter"] = item{PK: "counter", SK: recordSortKey, Value: []byte("7"), Version: 2}
				client.mu.Unlock()
				first = false
			}
			session.Put("counter", []byte("1"))
			return struct{}{}, nil
		}, uow.WithSleep(func(ctx context.Context, _ time.Duration) error { return nil }))

	require.NoError(t, err)
	assert.Equal(t, "1", string(client.items["counter"].Value))
	assert.Equal(t, int64(3), client.items["counter"].Version)
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "throughput", err: &types.ProvisionedThroughputExceededException{}, want: true},
		{name: "request limit", err: &types.RequestLimitExceeded{}, want: true},
		{name: "internal", err: &types.InternalServerError{}, want: true},
		{name: "throttling code", err: &smithy.GenericAPIError{Code: "ThrottlingException"}, want: true},
		{name: "validation", err: &smithy.GenericAPIError{Code: "ValidationException"}, want: false},
		{name: "resource not found", err: &types.ResourceNotFoundException{}, want: false},
		{name: "item collection size limit", err: &types.ItemCollectionSizeLimitExceededException{}, want: false},
		{name: "plain", err: errors.New("boom"), want: false},
		{name: "nil", err: nil, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}
