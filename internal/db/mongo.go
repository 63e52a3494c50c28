package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/wuwenbin0122/copilot/internal/models"
	"github.com/wuwenbin0122/copilot/internal/utils"
)

// Mongo holds per-user generation settings.
type Mongo struct {
	Client   *mongo.Client
	Database *mongo.Database
	Settings *mongo.Collection
}

type settingsDocument struct {
	UserID    string                    `bson:"user_id"`
	Settings  models.GenerationSettings `bson:"settings"`
	UpdatedAt time.Time                 `bson:"updated_at"`
}

func NewMongo(ctx context.Context, cfg utils.MongoConfig) (*Mongo, error) {
	if cfg.URI == "" {
		return nil, fmt.Errorf("mongo: uri is required")
	}

	clientOpts := options.Client().ApplyURI(cfg.URI)
	if cfg.ConnectTimeout > 0 {
		clientOpts.SetServerSelectionTimeout(cfg.ConnectTimeout)
	}

	ctx, cancel := context.WithTimeout(ctx, timeoutOrDefault(cfg.ConnectTimeout))
	defer cancel()

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("mongo: connect: %w", err)
	}

	db := client.Database(cfg.Database)
	return &Mongo{
		Client:   client,
		Database: db,
		Settings: db.Collection("generation_settings"),
	}, nil
}

func (m *Mongo) Close(ctx context.Context) error {
	if m == nil || m.Client == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return m.Client.Disconnect(ctx)
}

func (m *Mongo) EnsureCollections(ctx context.Context) error {
	if m == nil || m.Database == nil {
		return fmt.Errorf("mongo: database not initialised")
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err := m.Settings.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "user_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("mongo: ensure settings index: %w", err)
	}

	return nil
}

func (m *Mongo) GetSettings(ctx context.Context, userID string) (models.GenerationSettings, bool, error) {
	var doc settingsDocument
	err := m.Settings.FindOne(ctx, bson.M{"user_id": strings.TrimSpace(userID)}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return models.GenerationSettings{}, false, nil
		}
		return models.GenerationSettings{}, false, fmt.Errorf("mongo: find settings: %w", err)
	}
	return doc.Settings, true, nil
}

func (m *Mongo) PutSettings(ctx context.Context, userID string, s models.GenerationSettings) error {
	userID = strings.TrimSpace(userID)
	update := bson.M{"$set": settingsDocument{
		UserID:    userID,
		Settings:  s,
		UpdatedAt: time.Now().UTC(),
	}}
	_, err := m.Settings.UpdateOne(ctx, bson.M{"user_id": userID}, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("mongo: upsert settings: %w", err)
	}
	return nil
}
