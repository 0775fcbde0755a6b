package mg

import (
	"context"
	"errors"
	"fmt"
	"nightguard/guard/defs"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

const RepositoryCollection = "repository"

type MongoStore struct {
	Client *mongo.Client
	Logger *zap.Logger

	DBName string
}

type document struct {
	Key   string        `bson:"_id"`
	Value bson.RawValue `bson:"value"`
}

func New(ctx context.Context, cfg defs.MongoConfig, dbName string, logger *zap.Logger) (*MongoStore, error) {
	opts := options.Client().ApplyURI(cfg.URI)
	if cfg.Username != "" {
		opts.SetAuth(options.Credential{
			Username: cfg.Username,
			Password: cfg.Password,
		})
	}

	mongoClient, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to mongo: %w", err)
	}

	return &MongoStore{
		Client: mongoClient,
		Logger: logger,
		DBName: dbName,
	}, nil
}

func (ms *MongoStore) Close(ctx context.Context) error {
	return ms.Client.Disconnect(ctx)
}

func (ms *MongoStore) collection() *mongo.Collection {
	return ms.Client.Database(ms.DBName).Collection(RepositoryCollection)
}

func (ms *MongoStore) Upsert(ctx context.Context, collection string, filter bson.M, doc interface{}) (*mongo.UpdateResult, error) {
	ms.Logger.Debug(
		"upserting document",
		zap.String("collection", collection),
		zap.Any("filter", filter),
	)

	res, err := ms.Client.
		Database(ms.DBName).
		Collection(collection).
		UpdateOne(ctx, filter,
			bson.M{"$set": doc},
			options.Update().SetUpsert(true),
		)
	if err != nil {
		ms.Logger.Debug(
			"unable to upsert document",
			zap.String("collection", collection),
			zap.Any("filter", filter),
			zap.Error(err),
		)
		return nil, fmt.Errorf("unable to upsert document: %w", err)
	}

	return res, err
}

func (ms *MongoStore) Get(ctx context.Context, key string, v interface{}) (bool, error) {
	var doc document
	err := ms.collection().FindOne(ctx, bson.M{"_id": key}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("unable to find %s: %w", key, err)
	}

	if err := doc.Value.Unmarshal(v); err != nil {
		return false, fmt.Errorf("unable to decode %s: %w", key, err)
	}
	return true, nil
}

func (ms *MongoStore) Put(ctx context.Context, key string, v interface{}) error {
	_, err := ms.Upsert(ctx, RepositoryCollection, bson.M{"_id": key}, bson.M{"value": v})
	return err
}

func (ms *MongoStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	ms.Logger.Debug("deleting documents", zap.Strings("keys", keys))
	_, err := ms.collection().DeleteMany(ctx, bson.M{"_id": bson.M{"$in": keys}})
	if err != nil {
		return fmt.Errorf("unable to delete documents: %w", err)
	}
	return nil
}
