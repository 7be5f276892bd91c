package mongo

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-memory/internal/config"
	"github.com/chirino/chat-memory/internal/model"
	registrymigrate "github.com/chirino/chat-memory/internal/registry/migrate"
	registrystore "github.com/chirino/chat-memory/internal/registry/store"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// ForceImport is referenced by callers that need the plugin registered.
var ForceImport = 0

func init() {
	registrystore.Register(registrystore.Plugin{
		Name: "mongo",
		Loader: func(ctx context.Context) (registrystore.ChatStore, error) {
			cfg := config.FromContext(ctx)
			client, err := connect(ctx, cfg)
			if err != nil {
				return nil, err
			}
			return New(client, cfg.DBName, cfg.TranscriptCollection, cfg.IndexCollection), nil
		},
	})

	registrymigrate.Register(registrymigrate.Plugin{Order: 100, Migrator: &mongoMigrator{}})
}

func connect(ctx context.Context, cfg *config.Config) (*mongo.Client, error) {
	opts := options.Client().ApplyURI(cfg.DBURL)
	if cfg.DBMaxOpenConns > 0 {
		opts.SetMaxPoolSize(uint64(cfg.DBMaxOpenConns))
	}
	if cfg.DBMaxIdleConns > 0 {
		opts.SetMinPoolSize(uint64(cfg.DBMaxIdleConns))
	}
	client, err := mongo.Connect(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}
	return client, nil
}

type mongoMigrator struct{}

func (m *mongoMigrator) Name() string { return "mongo-schema" }
func (m *mongoMigrator) Migrate(ctx context.Context) error {
	cfg := config.FromContext(ctx)
	if cfg == nil || !cfg.DatastoreMigrateAtStart || cfg.DatastoreType != "mongo" {
		return nil
	}

	log.Info("Running migration", "name", m.Name())
	client, err := connect(ctx, cfg)
	if err != nil {
		return fmt.Errorf("mongo migration: %w", err)
	}
	defer client.Disconnect(ctx)

	db := client.Database(cfg.DBName)
	collections := map[string][]mongo.IndexModel{
		cfg.TranscriptCollection: {
			{Keys: bson.D{{Key: "chatId", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "userId", Value: 1}, {Key: "createdAt", Value: 1}}},
			{Keys: bson.D{{Key: "sharePath", Value: 1}}, Options: options.Index().SetSparse(true)},
		},
		cfg.IndexCollection: {
			{Keys: bson.D{{Key: "userId", Value: 1}}, Options: options.Index().SetUnique(true)},
		},
	}
	for name, indexes := range collections {
		if _, err := db.Collection(name).Indexes().CreateMany(ctx, indexes); err != nil {
			return fmt.Errorf("mongo migration: create indexes on %s: %w", name, err)
		}
	}
	log.Info("Migration complete", "name", m.Name())
	return nil
}

// MongoStore keeps one document per chat transcript and one index document per user.
type MongoStore struct {
	client      *mongo.Client
	transcripts *mongo.Collection
	indexes     *mongo.Collection
}

// New returns a store over the named database and collections.
func New(client *mongo.Client, dbName, transcriptCollection, indexCollection string) *MongoStore {
	db := client.Database(dbName)
	return &MongoStore{
		client:      client,
		transcripts: db.Collection(transcriptCollection),
		indexes:     db.Collection(indexCollection),
	}
}

type turnDoc struct {
	Role    string `bson:"role"`
	Content string `bson:"content"`
}

type transcriptDoc struct {
	ChatID    string    `bson:"chatId"`
	UserID    string    `bson:"userId"`
	Title     string    `bson:"title"`
	CreatedAt time.Time `bson:"createdAt"`
	Path      string    `bson:"path"`
	SharePath string    `bson:"sharePath,omitempty"`
	Messages  []turnDoc `bson:"messages"`
}

type chatRefDoc struct {
	ID        string    `bson:"id"`
	UpdatedAt time.Time `bson:"updatedAt"`
}

type indexDoc struct {
	UserID string       `bson:"userId"`
	Chats  []chatRefDoc `bson:"chats"`
}

func toTurns(docs []turnDoc) []model.Turn {
	turns := make([]model.Turn, len(docs))
	for i, d := range docs {
		turns[i] = model.Turn{Role: model.Role(d.Role), Content: d.Content}
	}
	return turns
}

func (d *transcriptDoc) toModel() *model.ChatSession {
	return &model.ChatSession{
		ID:        d.ChatID,
		UserID:    d.UserID,
		Title:     d.Title,
		CreatedAt: d.CreatedAt,
		Path:      d.Path,
		SharePath: d.SharePath,
		Messages:  toTurns(d.Messages),
	}
}

func (s *MongoStore) AppendExchange(ctx context.Context, ex registrystore.Exchange) error {
	turns := ex.Turns()
	pushed := make([]turnDoc, len(turns))
	for i, t := range turns {
		pushed[i] = turnDoc{Role: string(t.Role), Content: t.Content}
	}
	filter := bson.M{"chatId": ex.ChatID, "userId": ex.UserID}
	update := bson.M{
		"$setOnInsert": bson.M{
			"title":     ex.Title,
			"createdAt": ex.At,
			"path":      model.ChatPath(ex.ChatID),
		},
		"$push": bson.M{"messages": bson.M{"$each": pushed}},
	}
	opts := options.UpdateOne().SetUpsert(true)

	_, err := s.transcripts.UpdateOne(ctx, filter, update, opts)
	if mongo.IsDuplicateKeyError(err) {
		// Two first exchanges raced on insert; the second attempt matches the winner's
		// document unless the chat id belongs to a different user.
		_, err = s.transcripts.UpdateOne(ctx, filter, update, opts)
		if mongo.IsDuplicateKeyError(err) {
			return &registrystore.ConflictError{Message: fmt.Sprintf("chat %s belongs to another user", ex.ChatID)}
		}
	}
	if err != nil {
		return fmt.Errorf("failed to append exchange: %w", err)
	}
	return nil
}

func (s *MongoStore) RecentTurns(ctx context.Context, chatID, userID string, k int) ([]model.Turn, error) {
	if k <= 0 {
		return nil, nil
	}
	opts := options.FindOne().SetProjection(bson.M{"messages": bson.M{"$slice": -k}})
	var doc transcriptDoc
	err := s.transcripts.FindOne(ctx, bson.M{"chatId": chatID, "userId": userID}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read recent turns: %w", err)
	}
	return toTurns(doc.Messages), nil
}

func (s *MongoStore) findChat(ctx context.Context, filter bson.M, resource, id string) (*model.ChatSession, error) {
	var doc transcriptDoc
	err := s.transcripts.FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, &registrystore.NotFoundError{Resource: resource, ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", resource, err)
	}
	return doc.toModel(), nil
}

func (s *MongoStore) GetChat(ctx context.Context, chatID string) (*model.ChatSession, error) {
	return s.findChat(ctx, bson.M{"chatId": chatID}, "chat", chatID)
}

func (s *MongoStore) GetChatBySharePath(ctx context.Context, sharePath string) (*model.ChatSession, error) {
	return s.findChat(ctx, bson.M{"sharePath": sharePath}, "shared chat", sharePath)
}

func (s *MongoStore) SetSharePath(ctx context.Context, chatID, userID, sharePath string) error {
	res, err := s.transcripts.UpdateOne(ctx,
		bson.M{"chatId": chatID, "userId": userID},
		bson.M{"$set": bson.M{"sharePath": sharePath}},
	)
	if err != nil {
		return fmt.Errorf("failed to share chat: %w", err)
	}
	if res.MatchedCount == 0 {
		return &registrystore.NotFoundError{Resource: "chat", ID: chatID}
	}
	return nil
}

func (s *MongoStore) DeleteChat(ctx context.Context, chatID, userID string) error {
	if _, err := s.transcripts.DeleteOne(ctx, bson.M{"chatId": chatID, "userId": userID}); err != nil {
		return fmt.Errorf("failed to delete chat: %w", err)
	}
	return nil
}

func (s *MongoStore) DeleteUserChats(ctx context.Context, userID string) (int64, error) {
	res, err := s.transcripts.DeleteMany(ctx, bson.M{"userId": userID})
	if err != nil {
		return 0, fmt.Errorf("failed to delete chats: %w", err)
	}
	return res.DeletedCount, nil
}

func (s *MongoStore) ListChatRefs(ctx context.Context, userID string) ([]model.ChatRef, error) {
	opts := options.Find().
		SetProjection(bson.M{"chatId": 1, "createdAt": 1}).
		SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "chatId", Value: 1}})
	cur, err := s.transcripts.Find(ctx, bson.M{"userId": userID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list chats: %w", err)
	}
	var docs []transcriptDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode chats: %w", err)
	}
	refs := make([]model.ChatRef, len(docs))
	for i, d := range docs {
		refs[i] = model.ChatRef{ID: d.ChatID, UpdatedAt: d.CreatedAt}
	}
	return refs, nil
}

func (s *MongoStore) ListUserIDs(ctx context.Context) ([]string, error) {
	var ids []string
	for _, col := range []*mongo.Collection{s.transcripts, s.indexes} {
		var found []string
		if err := col.Distinct(ctx, "userId", bson.M{}).Decode(&found); err != nil && !errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("failed to list users of %s: %w", col.Name(), err)
		}
		ids = append(ids, found...)
	}
	slices.Sort(ids)
	return slices.Compact(ids), nil
}

func (s *MongoStore) GetIndex(ctx context.Context, userID string) (*model.UserChatIndex, error) {
	var doc indexDoc
	err := s.indexes.FindOne(ctx, bson.M{"userId": userID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, &registrystore.NotFoundError{Resource: "chat index", ID: userID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get chat index: %w", err)
	}
	idx := &model.UserChatIndex{UserID: doc.UserID, Chats: make([]model.ChatRef, len(doc.Chats))}
	for i, c := range doc.Chats {
		idx.Chats[i] = model.ChatRef{ID: c.ID, UpdatedAt: c.UpdatedAt}
	}
	return idx, nil
}

func (s *MongoStore) IndexContains(ctx context.Context, userID, chatID string) (bool, error) {
	n, err := s.indexes.CountDocuments(ctx, bson.M{"userId": userID, "chats.id": chatID}, options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("failed to look up chat index: %w", err)
	}
	return n > 0, nil
}

func (s *MongoStore) TouchIndexEntry(ctx context.Context, userID, chatID string, at time.Time) error {
	_, err := s.indexes.UpdateOne(ctx,
		bson.M{"userId": userID, "chats.id": chatID},
		bson.M{"$set": bson.M{"chats.$[element].updatedAt": at}},
		options.UpdateOne().SetArrayFilters([]any{bson.M{"element.id": chatID}}),
	)
	if err != nil {
		return fmt.Errorf("failed to touch chat index entry: %w", err)
	}
	return nil
}

func (s *MongoStore) AddIndexEntry(ctx context.Context, userID, chatID string, at time.Time) error {
	_, err := s.indexes.UpdateOne(ctx,
		bson.M{"userId": userID},
		bson.M{
			"$set":  bson.M{"userId": userID},
			"$push": bson.M{"chats": chatRefDoc{ID: chatID, UpdatedAt: at}},
		},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to add chat index entry: %w", err)
	}
	return nil
}

func (s *MongoStore) RemoveIndexEntry(ctx context.Context, userID, chatID string) error {
	_, err := s.indexes.UpdateOne(ctx,
		bson.M{"userId": userID},
		bson.M{"$pull": bson.M{"chats": bson.M{"id": chatID}}},
	)
	if err != nil {
		return fmt.Errorf("failed to remove chat index entry: %w", err)
	}
	return nil
}

func (s *MongoStore) ResetIndex(ctx context.Context, userID string) error {
	_, err := s.indexes.UpdateOne(ctx,
		bson.M{"userId": userID},
		bson.M{"$set": bson.M{"chats": bson.A{}}},
	)
	if err != nil {
		return fmt.Errorf("failed to reset chat index: %w", err)
	}
	return nil
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

var _ registrystore.ChatStore = (*MongoStore)(nil)
