package billing

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// MongoStore is the MongoDB Store. Atomicity comes from a multi-document
// transaction (record update + ledger insert); exclusivity comes from an
// in-process keyed mutex per tenant, since MongoDB has no row locks to lean
// on. That makes the lock single-process; multi-writer deployments should
// route a tenant's webhooks to one consumer.
type MongoStore struct {
	records *mongo.Collection
	events  *mongo.Collection
	client  *mongo.Client

	mu    sync.Mutex
	locks map[uuid.UUID]chan struct{}

	lockTimeout time.Duration
}

// MongoStoreOption configures a MongoStore.
type MongoStoreOption func(*MongoStore)

// WithMongoLockTimeout bounds how long WithTenantLock waits for the tenant
// lock. Defaults to 5s.
func WithMongoLockTimeout(d time.Duration) MongoStoreOption {
	return func(s *MongoStore) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

// NewMongoStore creates a MongoDB-backed billing store on the given database.
// Panics on nil client.
func NewMongoStore(client *mongo.Client, dbName string, opts ...MongoStoreOption) *MongoStore {
	if client == nil {
		panic("billing: mongo.Client is required")
	}
	db := client.Database(dbName)
	s := &MongoStore{
		records:     db.Collection("tenant_billing"),
		events:      db.Collection("billing_processed_events"),
		client:      client,
		locks:       make(map[uuid.UUID]chan struct{}),
		lockTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EnsureIndexes creates the customer and expiry lookup indexes.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.records.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "processor_customer_id", Value: 1}},
			Options: options.Index().
				SetUnique(true).
				SetPartialFilterExpression(bson.D{
					{Key: "processor_customer_id", Value: bson.D{{Key: "$gt", Value: ""}}},
				}),
		},
		{Keys: bson.D{{Key: "valid_until", Value: 1}}, Options: options.Index().SetSparse(true)},
	})
	return err
}

type mongoRecord struct {
	TenantID                string     `bson:"_id"`
	ProcessorCustomerID     string     `bson:"processor_customer_id"`
	ProcessorSubscriptionID string     `bson:"processor_subscription_id"`
	PlanType                string     `bson:"plan_type"`
	PlanInterval            string     `bson:"plan_interval"`
	Status                  string     `bson:"status"`
	ValidFrom               *time.Time `bson:"valid_from,omitempty"`
	ValidUntil              *time.Time `bson:"valid_until,omitempty"`
	SeatsAllotted           int        `bson:"seats_allotted"`
	SeatsInUse              int        `bson:"seats_in_use"`
	CreatedAt               time.Time  `bson:"created_at"`
	UpdatedAt               time.Time  `bson:"updated_at"`
}

type mongoEvent struct {
	EventID         string    `bson:"_id"`
	ProcessedAt     time.Time `bson:"processed_at"`
	ResultingStatus string    `bson:"resulting_status"`
}

func toMongoRecord(r *Record) mongoRecord {
	return mongoRecord{
		TenantID:                r.TenantID.String(),
		ProcessorCustomerID:     r.ProcessorCustomerID,
		ProcessorSubscriptionID: r.ProcessorSubscriptionID,
		PlanType:                string(r.PlanType),
		PlanInterval:            r.PlanInterval,
		Status:                  string(r.Status),
		ValidFrom:               r.ValidFrom,
		ValidUntil:              r.ValidUntil,
		SeatsAllotted:           r.SeatsAllotted,
		SeatsInUse:              r.SeatsInUse,
		CreatedAt:               r.CreatedAt,
		UpdatedAt:               r.UpdatedAt,
	}
}

func (d mongoRecord) toRecord() (*Record, error) {
	tenantID, err := uuid.Parse(d.TenantID)
	if err != nil {
		return nil, err
	}
	return &Record{
		TenantID:                tenantID,
		ProcessorCustomerID:     d.ProcessorCustomerID,
		ProcessorSubscriptionID: d.ProcessorSubscriptionID,
		PlanType:                PlanType(d.PlanType),
		PlanInterval:            d.PlanInterval,
		Status:                  Status(d.Status),
		ValidFrom:               d.ValidFrom,
		ValidUntil:              d.ValidUntil,
		SeatsAllotted:           d.SeatsAllotted,
		SeatsInUse:              d.SeatsInUse,
		CreatedAt:               d.CreatedAt,
		UpdatedAt:               d.UpdatedAt,
	}, nil
}

func (s *MongoStore) Create(ctx context.Context, tenantID uuid.UUID) (*Record, error) {
	record := NewRecord(tenantID)
	_, err := s.records.UpdateOne(ctx,
		bson.M{"_id": tenantID.String()},
		bson.M{"$setOnInsert": toMongoRecord(record)},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, tenantID)
}

func (s *MongoStore) Get(ctx context.Context, tenantID uuid.UUID) (*Record, error) {
	return s.findOne(ctx, bson.M{"_id": tenantID.String()})
}

func (s *MongoStore) FindByProcessorCustomerID(ctx context.Context, customerID string) (*Record, error) {
	if customerID == "" {
		return nil, ErrTenantNotFound
	}
	return s.findOne(ctx, bson.M{"processor_customer_id": customerID})
}

func (s *MongoStore) findOne(ctx context.Context, filter bson.M) (*Record, error) {
	var doc mongoRecord
	if err := s.records.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrTenantNotFound
		}
		return nil, err
	}
	return doc.toRecord()
}

func (s *MongoStore) ExpiringBetween(ctx context.Context, from, to time.Time) ([]*Record, error) {
	cursor, err := s.records.Find(ctx, bson.M{
		"valid_until": bson.M{"$gte": from, "$lte": to},
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = cursor.Close(ctx) }()

	var out []*Record
	for cursor.Next(ctx) {
		var doc mongoRecord
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		record, err := doc.toRecord()
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, cursor.Err()
}

func (s *MongoStore) WithTenantLock(ctx context.Context, tenantID uuid.UUID, fn func(ctx context.Context, tx Tx) error) error {
	if err := s.acquire(ctx, tenantID); err != nil {
		return err
	}
	defer s.release(tenantID)

	record, err := s.Get(ctx, tenantID)
	if err != nil {
		return err
	}

	session, err := s.client.StartSession()
	if err != nil {
		return err
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(ctx context.Context) (any, error) {
		tx := &mongoTx{store: s, record: record}
		if err := fn(ctx, tx); err != nil {
			return nil, err
		}
		return nil, nil
	})
	if err != nil {
		// A write conflict means another writer touched the tenant outside
		// our keyed mutex; surface it as lock contention.
		var cmdErr mongo.CommandError
		if errors.As(err, &cmdErr) && cmdErr.HasErrorLabel("TransientTransactionError") {
			return ErrLockTimeout
		}
		return err
	}
	return nil
}

func (s *MongoStore) acquire(ctx context.Context, tenantID uuid.UUID) error {
	s.mu.Lock()
	lock := s.locks[tenantID]
	if lock == nil {
		lock = make(chan struct{}, 1)
		s.locks[tenantID] = lock
	}
	s.mu.Unlock()

	timer := time.NewTimer(s.lockTimeout)
	defer timer.Stop()
	select {
	case lock <- struct{}{}:
		return nil
	case <-timer.C:
		return ErrLockTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *MongoStore) release(tenantID uuid.UUID) {
	s.mu.Lock()
	lock := s.locks[tenantID]
	s.mu.Unlock()
	<-lock
}

type mongoTx struct {
	store  *MongoStore
	record *Record
}

func (tx *mongoTx) Record() *Record { return tx.record }

func (tx *mongoTx) Save(ctx context.Context, r *Record) error {
	r.UpdatedAt = time.Now().UTC()
	doc := toMongoRecord(r)
	_, err := tx.store.records.ReplaceOne(ctx, bson.M{"_id": doc.TenantID}, doc)
	if err != nil {
		return err
	}
	tx.record = r
	return nil
}

func (tx *mongoTx) EventSeen(ctx context.Context, eventID string) (bool, error) {
	err := tx.store.events.FindOne(ctx, bson.M{"_id": eventID}).Err()
	if errors.Is(err, mongo.ErrNoDocuments) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (tx *mongoTx) MarkProcessed(ctx context.Context, entry ProcessedEvent) error {
	_, err := tx.store.events.InsertOne(ctx, mongoEvent{
		EventID:         entry.EventID,
		ProcessedAt:     entry.ProcessedAt,
		ResultingStatus: string(entry.ResultingStatus),
	})
	if mongo.IsDuplicateKeyError(err) {
		return nil
	}
	return err
}
