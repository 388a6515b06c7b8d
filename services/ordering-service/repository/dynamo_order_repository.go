package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ValRusDev/microshop/pkg/apperrors"
	"github.com/ValRusDev/microshop/services/ordering-service/models"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Fixed-width so created_at sorts lexically in the owner index.
const ddbTimeLayout = "2006-01-02T15:04:05.000000000Z"

type dynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// DynamoOrderRepository stores each order, items included, as one item so the
// write is atomic. Listing uses a GSI keyed by owner_id and created_at.
type DynamoOrderRepository struct {
	client dynamoAPI
	table  string
	index  string
}

func NewDynamoOrderRepository(client *dynamodb.Client, table, ownerIndex string) *DynamoOrderRepository {
	return newDynamoOrderRepository(client, table, ownerIndex)
}

func newDynamoOrderRepository(client dynamoAPI, table, ownerIndex string) *DynamoOrderRepository {
	return &DynamoOrderRepository{client: client, table: table, index: ownerIndex}
}

type ddbOrderItem struct {
	ID        string `dynamodbav:"id"`
	ProductID string `dynamodbav:"product_id"`
	Quantity  int    `dynamodbav:"quantity"`
	UnitPrice string `dynamodbav:"unit_price"`
}

type ddbOrder struct {
	ID        string         `dynamodbav:"id"`
	OwnerID   string         `dynamodbav:"owner_id"`
	CreatedAt string         `dynamodbav:"created_at"`
	Total     string         `dynamodbav:"total"`
	Status    string         `dynamodbav:"status"`
	Items     []ddbOrderItem `dynamodbav:"items"`
}

func toDDB(o *models.Order) ddbOrder {
	d := ddbOrder{
		ID:        o.ID.String(),
		OwnerID:   o.OwnerID.String(),
		CreatedAt: o.CreatedAt.UTC().Format(ddbTimeLayout),
		Total:     o.Total.String(),
		Status:    o.Status,
		Items:     make([]ddbOrderItem, 0, len(o.Items)),
	}
	for _, it := range o.Items {
		d.Items = append(d.Items, ddbOrderItem{
			ID:        it.ID.String(),
			ProductID: it.ProductID.String(),
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice.String(),
		})
	}
	return d
}

func fromDDB(d ddbOrder) (*models.Order, error) {
	id, err := uuid.Parse(d.ID)
	if err != nil {
		return nil, fmt.Errorf("order id: %w", err)
	}
	owner, err := uuid.Parse(d.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("order %s owner: %w", d.ID, err)
	}
	created, err := time.Parse(ddbTimeLayout, d.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("order %s created_at: %w", d.ID, err)
	}
	total, err := decimal.NewFromString(d.Total)
	if err != nil {
		return nil, fmt.Errorf("order %s total: %w", d.ID, err)
	}

	order := &models.Order{
		ID:        id,
		OwnerID:   owner,
		CreatedAt: created,
		Total:     total,
		Status:    d.Status,
		Items:     make([]models.OrderItem, 0, len(d.Items)),
	}
	for _, it := range d.Items {
		itemID, err := uuid.Parse(it.ID)
		if err != nil {
			return nil, fmt.Errorf("order %s item id: %w", d.ID, err)
		}
		productID, err := uuid.Parse(it.ProductID)
		if err != nil {
			return nil, fmt.Errorf("order %s product id: %w", d.ID, err)
		}
		price, err := decimal.NewFromString(it.UnitPrice)
		if err != nil {
			return nil, fmt.Errorf("order %s unit price: %w", d.ID, err)
		}
		order.Items = append(order.Items, models.OrderItem{
			ID:        itemID,
			OrderID:   id,
			ProductID: productID,
			Quantity:  it.Quantity,
			UnitPrice: price,
		})
	}
	return order, nil
}

func (r *DynamoOrderRepository) FindByID(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	key, err := attributevalue.MarshalMap(map[string]string{"id": id.String()})
	if err != nil {
		return nil, fmt.Errorf("marshal key: %w", err)
	}

	out, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      &r.table,
		Key:            key,
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorageUnavailable, fmt.Errorf("dynamodb GetItem failed: %w", err))
	}
	if len(out.Item) == 0 {
		return nil, nil
	}

	var d ddbOrder
	if err := attributevalue.UnmarshalMap(out.Item, &d); err != nil {
		return nil, fmt.Errorf("unmarshal order: %w", err)
	}
	return fromDDB(d)
}

func (r *DynamoOrderRepository) Insert(ctx context.Context, order *models.Order) error {
	item, err := attributevalue.MarshalMap(toDDB(order))
	if err != nil {
		return fmt.Errorf("marshal order: %w", err)
	}

	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           &r.table,
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(#id)"),
		ExpressionAttributeNames: map[string]string{
			"#id": "id",
		},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return apperrors.Wrap(apperrors.ErrDuplicateKey, err)
		}
		return apperrors.Wrap(apperrors.ErrStorageUnavailable, fmt.Errorf("dynamodb PutItem failed: %w", err))
	}
	return nil
}

func (r *DynamoOrderRepository) ListByOwner(ctx context.Context, ownerID uuid.UUID, page, limit int) ([]models.Order, int64, error) {
	ownerAV, err := attributevalue.Marshal(ownerID.String())
	if err != nil {
		return nil, 0, fmt.Errorf("marshal owner: %w", err)
	}

	input := &dynamodb.QueryInput{
		TableName:              &r.table,
		IndexName:              &r.index,
		KeyConditionExpression: aws.String("#owner = :owner"),
		ExpressionAttributeNames: map[string]string{
			"#owner": "owner_id",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":owner": ownerAV,
		},
		ScanIndexForward: aws.Bool(false),
	}

	var all []ddbOrder
	for {
		out, err := r.client.Query(ctx, input)
		if err != nil {
			return nil, 0, apperrors.Wrap(apperrors.ErrStorageUnavailable, fmt.Errorf("dynamodb Query failed: %w", err))
		}
		var batch []ddbOrder
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &batch); err != nil {
			return nil, 0, fmt.Errorf("unmarshal orders: %w", err)
		}
		all = append(all, batch...)
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
	}

	// Newest first.
	sort.SliceStable(all, func(i, j int) bool { return all[i].CreatedAt > all[j].CreatedAt })

	total := int64(len(all))
	start := offset(page, limit)
	if start >= len(all) {
		return []models.Order{}, total, nil
	}
	end := len(all)
	if limit > 0 && limit < end-start {
		end = start + limit
	}

	orders := make([]models.Order, 0, end-start)
	for _, d := range all[start:end] {
		o, err := fromDDB(d)
		if err != nil {
			return nil, 0, err
		}
		orders = append(orders, *o)
	}
	return orders, total, nil
}

func (r *DynamoOrderRepository) Ping(ctx context.Context) error {
	_, err := r.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: &r.table})
	return err
}
