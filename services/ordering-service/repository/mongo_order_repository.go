package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ValRusDev/microshop/pkg/apperrors"
	"github.com/ValRusDev/microshop/services/ordering-service/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const ordersCollection = "orders"

// MongoOrderRepository keeps one document per order with the items embedded.
// The order id is the document _id, so the primary index rejects replays.
type MongoOrderRepository struct {
	db   *mongo.Database
	coll *mongo.Collection
}

func NewMongoOrderRepository(db *mongo.Database) *MongoOrderRepository {
	return &MongoOrderRepository{db: db, coll: db.Collection(ordersCollection)}
}

type mongoOrderItem struct {
	ID        string               `bson:"id"`
	ProductID string               `bson:"product_id"`
	Quantity  int                  `bson:"quantity"`
	UnitPrice primitive.Decimal128 `bson:"unit_price"`
}

type mongoOrder struct {
	ID        string               `bson:"_id"`
	OwnerID   string               `bson:"owner_id"`
	CreatedAt time.Time            `bson:"created_at"`
	Total     primitive.Decimal128 `bson:"total"`
	Status    string               `bson:"status"`
	Items     []mongoOrderItem     `bson:"items"`
}

func toMongo(o *models.Order) (mongoOrder, error) {
	total, err := primitive.ParseDecimal128(o.Total.String())
	if err != nil {
		return mongoOrder{}, fmt.Errorf("order total: %w", err)
	}
	doc := mongoOrder{
		ID:        o.ID.String(),
		OwnerID:   o.OwnerID.String(),
		CreatedAt: o.CreatedAt.UTC(),
		Total:     total,
		Status:    o.Status,
		Items:     make([]mongoOrderItem, 0, len(o.Items)),
	}
	for _, it := range o.Items {
		price, err := primitive.ParseDecimal128(it.UnitPrice.String())
		if err != nil {
			return mongoOrder{}, fmt.Errorf("item %s unit price: %w", it.ProductID, err)
		}
		doc.Items = append(doc.Items, mongoOrderItem{
			ID:        it.ID.String(),
			ProductID: it.ProductID.String(),
			Quantity:  it.Quantity,
			UnitPrice: price,
		})
	}
	return doc, nil
}

func fromMongo(doc mongoOrder) (*models.Order, error) {
	id, err := uuid.Parse(doc.ID)
	if err != nil {
		return nil, fmt.Errorf("order id: %w", err)
	}
	owner, err := uuid.Parse(doc.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("order %s owner: %w", doc.ID, err)
	}
	total, err := decimal.NewFromString(doc.Total.String())
	if err != nil {
		return nil, fmt.Errorf("order %s total: %w", doc.ID, err)
	}

	order := &models.Order{
		ID:        id,
		OwnerID:   owner,
		CreatedAt: doc.CreatedAt.UTC(),
		Total:     total,
		Status:    doc.Status,
		Items:     make([]models.OrderItem, 0, len(doc.Items)),
	}
	for _, it := range doc.Items {
		itemID, err := uuid.Parse(it.ID)
		if err != nil {
			return nil, fmt.Errorf("order %s item id: %w", doc.ID, err)
		}
		productID, err := uuid.Parse(it.ProductID)
		if err != nil {
			return nil, fmt.Errorf("order %s product id: %w", doc.ID, err)
		}
		price, err := decimal.NewFromString(it.UnitPrice.String())
		if err != nil {
			return nil, fmt.Errorf("order %s unit price: %w", doc.ID, err)
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

// EnsureIndexes creates the owner listing index.
func (r *MongoOrderRepository) EnsureIndexes(ctx context.Context) error {
	_, err := r.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "owner_id", Value: 1}, {Key: "created_at", Value: -1}},
		Options: options.Index().SetName("owner_created"),
	})
	if err != nil {
		return fmt.Errorf("create orders index: %w", err)
	}
	return nil
}

func (r *MongoOrderRepository) FindByID(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	var doc mongoOrder
	err := r.coll.FindOne(ctx, bson.M{"_id": id.String()}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorageUnavailable, err)
	}
	return fromMongo(doc)
}

func (r *MongoOrderRepository) Insert(ctx context.Context, order *models.Order) error {
	doc, err := toMongo(order)
	if err != nil {
		return err
	}
	if _, err := r.coll.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return apperrors.Wrap(apperrors.ErrDuplicateKey, err)
		}
		return apperrors.Wrap(apperrors.ErrStorageUnavailable, err)
	}
	return nil
}

func (r *MongoOrderRepository) ListByOwner(ctx context.Context, ownerID uuid.UUID, page, limit int) ([]models.Order, int64, error) {
	filter := bson.M{"owner_id": ownerID.String()}

	total, err := r.coll.CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, apperrors.Wrap(apperrors.ErrStorageUnavailable, err)
	}
	if total == 0 {
		return []models.Order{}, 0, nil
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetSkip(int64(offset(page, limit))).
		SetLimit(int64(limit))
	cursor, err := r.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, 0, apperrors.Wrap(apperrors.ErrStorageUnavailable, err)
	}
	defer cursor.Close(ctx)

	var docs []mongoOrder
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, 0, apperrors.Wrap(apperrors.ErrStorageUnavailable, err)
	}

	orders := make([]models.Order, 0, len(docs))
	for _, doc := range docs {
		o, err := fromMongo(doc)
		if err != nil {
			return nil, 0, err
		}
		orders = append(orders, *o)
	}
	return orders, total, nil
}

func (r *MongoOrderRepository) Ping(ctx context.Context) error {
	return r.db.Client().Ping(ctx, readpref.Primary())
}
