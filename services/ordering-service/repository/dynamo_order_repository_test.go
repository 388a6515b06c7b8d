package repository

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/ValRusDev/microshop/pkg/apperrors"
	"github.com/ValRusDev/microshop/pkg/contracts"
	"github.com/ValRusDev/microshop/services/ordering-service/models"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDynamo keeps items keyed by "id" and answers owner queries newest first.
type fakeDynamo struct {
	mu       sync.Mutex
	items    map[string]map[string]types.AttributeValue
	putCalls int
	failWith error
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{items: map[string]map[string]types.AttributeValue{}}
}

func stringAttr(item map[string]types.AttributeValue, name string) string {
	if s, ok := item[name].(*types.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	return &dynamodb.GetItemOutput{Item: f.items[stringAttr(in.Key, "id")]}, nil
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.putCalls++
	if f.failWith != nil {
		return nil, f.failWith
	}
	id := stringAttr(in.Item, "id")
	if _, exists := f.items[id]; exists && in.ConditionExpression != nil {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
	}
	f.items[id] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	owner := in.ExpressionAttributeValues[":owner"].(*types.AttributeValueMemberS).Value

	var matched []map[string]types.AttributeValue
	for _, item := range f.items {
		if stringAttr(item, "owner_id") == owner {
			matched = append(matched, item)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return stringAttr(matched[i], "created_at") > stringAttr(matched[j], "created_at")
	})
	return &dynamodb.QueryOutput{Items: matched, Count: int32(len(matched))}, nil
}

func (f *fakeDynamo) DescribeTable(_ context.Context, in *dynamodb.DescribeTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	return &dynamodb.DescribeTableOutput{Table: &types.TableDescription{TableName: in.TableName}}, nil
}

func newOrder(owner uuid.UUID, created time.Time) *models.Order {
	return models.NewOrderFromCheckout(contracts.CheckoutRequested{
		CorrelationID: uuid.New(),
		OwnerID:       owner,
		Items: []contracts.CheckoutItem{
			{ProductID: uuid.New(), Quantity: 2, UnitPrice: decimal.RequireFromString("10")},
			{ProductID: uuid.New(), Quantity: 1, UnitPrice: decimal.RequireFromString("5")},
		},
		Total: decimal.RequireFromString("25"),
	}, created)
}

func TestDynamo_InsertAndFind(t *testing.T) {
	api := newFakeDynamo()
	repo := newDynamoOrderRepository(api, "orders", "owner_id-created_at-index")
	ctx := context.Background()
	order := newOrder(uuid.New(), time.Now())

	require.NoError(t, repo.Insert(ctx, order))

	got, err := repo.FindByID(ctx, order.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, order.ID, got.ID)
	assert.Equal(t, order.OwnerID, got.OwnerID)
	assert.Equal(t, "25.00", got.Total.StringFixed(2))
	assert.Equal(t, models.OrderStatusPending, got.Status)
	require.Len(t, got.Items, 2)
	assert.Equal(t, order.Items[0].ID, got.Items[0].ID)
	assert.True(t, order.CreatedAt.Equal(got.CreatedAt))
}

func TestDynamo_FindAbsent(t *testing.T) {
	repo := newDynamoOrderRepository(newFakeDynamo(), "orders", "idx")

	got, err := repo.FindByID(context.Background(), uuid.New())
	assert.NoError(t, err)
	assert.Nil(t, got)
}

func TestDynamo_InsertDuplicate(t *testing.T) {
	api := newFakeDynamo()
	repo := newDynamoOrderRepository(api, "orders", "idx")
	order := newOrder(uuid.New(), time.Now())

	require.NoError(t, repo.Insert(context.Background(), order))
	err := repo.Insert(context.Background(), order)
	assert.ErrorIs(t, err, apperrors.ErrDuplicateKey)
	assert.Equal(t, 2, api.putCalls)
	assert.Len(t, api.items, 1)
}

func TestDynamo_StorageFailure(t *testing.T) {
	api := newFakeDynamo()
	api.failWith = errors.New("ProvisionedThroughputExceededException")
	repo := newDynamoOrderRepository(api, "orders", "idx")

	err := repo.Insert(context.Background(), newOrder(uuid.New(), time.Now()))
	assert.ErrorIs(t, err, apperrors.ErrStorageUnavailable)

	_, err = repo.FindByID(context.Background(), uuid.New())
	assert.ErrorIs(t, err, apperrors.ErrStorageUnavailable)
}

func TestDynamo_ListByOwnerNewestFirst(t *testing.T) {
	api := newFakeDynamo()
	repo := newDynamoOrderRepository(api, "orders", "idx")
	ctx := context.Background()
	owner := uuid.New()
	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		o := newOrder(owner, base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, repo.Insert(ctx, o))
		ids = append(ids, o.ID)
	}
	require.NoError(t, repo.Insert(ctx, newOrder(uuid.New(), base)))

	orders, total, err := repo.ListByOwner(ctx, owner, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	require.Len(t, orders, 2)
	assert.Equal(t, ids[2], orders[0].ID)
	assert.Equal(t, ids[1], orders[1].ID)

	orders, _, err = repo.ListByOwner(ctx, owner, 2, 2)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, ids[0], orders[0].ID)

	orders, _, err = repo.ListByOwner(ctx, owner, 5, 2)
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestDynamo_ListByOwnerHugePage(t *testing.T) {
	api := newFakeDynamo()
	repo := newDynamoOrderRepository(api, "orders", "idx")
	ctx := context.Background()
	owner := uuid.New()
	require.NoError(t, repo.Insert(ctx, newOrder(owner, time.Now().UTC())))

	assert.NotPanics(t, func() {
		orders, total, err := repo.ListByOwner(ctx, owner, (1<<62)+1, 2)
		require.NoError(t, err)
		assert.Equal(t, int64(1), total)
		assert.Empty(t, orders)
	})
}

func TestOffsetSaturates(t *testing.T) {
	assert.Equal(t, 0, offset(0, 10))
	assert.Equal(t, 20, offset(3, 10))
	assert.Equal(t, math.MaxInt, offset((1<<62)+1, 2))
	assert.Equal(t, math.MaxInt, offset(math.MaxInt, math.MaxInt))
}

func TestDynamo_Ping(t *testing.T) {
	repo := newDynamoOrderRepository(newFakeDynamo(), "orders", "idx")
	assert.NoError(t, repo.Ping(context.Background()))
}
