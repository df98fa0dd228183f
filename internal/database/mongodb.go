package database

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"knowledgeroute/internal/models"
)

// MongoDB wraps the MongoDB client and database
type MongoDB struct {
	client   *mongo.Client
	database *mongo.Database
	dbName   string
}

// Collection names
const (
	CollectionAgentProfiles    = "agent_profiles"
	CollectionDistributions    = "distributions"
	CollectionAgentDecisions   = "agent_decisions"
	CollectionKnowledgeRecords = "knowledge_records"
)

// NewMongoDB creates a new MongoDB connection with connection pooling
func NewMongoDB(uri string) (*MongoDB, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	clientOptions := options.Client().
		ApplyURI(uri).
		SetMaxPoolSize(50).
		SetMinPoolSize(5).
		SetMaxConnIdleTime(30 * time.Second).
		SetServerSelectionTimeout(5 * time.Second).
		SetConnectTimeout(10 * time.Second)

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	dbName := extractDBName(uri)

	log.Printf("✅ Connected to MongoDB database: %s", dbName)

	return &MongoDB{
		client:   client,
		database: client.Database(dbName),
		dbName:   dbName,
	}, nil
}

// extractDBName pulls the database name out of the URI path,
// e.g. mongodb://localhost:27017/knowledge?authSource=admin -> knowledge
func extractDBName(uri string) string {
	rest := uri
	if idx := strings.Index(rest, "://"); idx >= 0 {
		rest = rest[idx+3:]
	}
	if q := strings.Index(rest, "?"); q >= 0 {
		rest = rest[:q]
	}
	slash := strings.Index(rest, "/")
	if slash < 0 || slash == len(rest)-1 {
		return "knowledgeroute"
	}
	return rest[slash+1:]
}

// Initialize creates indexes for all collections.
// Unique distributionId indexes keep one decision and one record per distribution.
func (m *MongoDB) Initialize(ctx context.Context) error {
	log.Println("📦 Initializing MongoDB indexes...")

	if err := m.createIndexes(ctx, CollectionAgentProfiles, []mongo.IndexModel{
		{Keys: bson.D{{Key: "userId", Value: 1}, {Key: "createdAt", Value: 1}}},
	}); err != nil {
		return fmt.Errorf("failed to create agent_profiles indexes: %w", err)
	}

	if err := m.createIndexes(ctx, CollectionDistributions, []mongo.IndexModel{
		{Keys: bson.D{{Key: "userId", Value: 1}, {Key: "createdAt", Value: -1}}},
		{Keys: bson.D{{Key: "contentHash", Value: 1}}},
	}); err != nil {
		return fmt.Errorf("failed to create distributions indexes: %w", err)
	}

	if err := m.createIndexes(ctx, CollectionAgentDecisions, []mongo.IndexModel{
		{Keys: bson.D{{Key: "distributionId", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "agentId", Value: 1}}},
	}); err != nil {
		return fmt.Errorf("failed to create agent_decisions indexes: %w", err)
	}

	if err := m.createIndexes(ctx, CollectionKnowledgeRecords, []mongo.IndexModel{
		{Keys: bson.D{{Key: "distributionId", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "userId", Value: 1}, {Key: "agentId", Value: 1}, {Key: "createdAt", Value: -1}}},
	}); err != nil {
		return fmt.Errorf("failed to create knowledge_records indexes: %w", err)
	}

	log.Println("✅ MongoDB indexes initialized successfully")
	return nil
}

func (m *MongoDB) createIndexes(ctx context.Context, collectionName string, indexes []mongo.IndexModel) error {
	_, err := m.database.Collection(collectionName).Indexes().CreateMany(ctx, indexes)
	return err
}

// Collection returns a collection handle
func (m *MongoDB) Collection(name string) *mongo.Collection {
	return m.database.Collection(name)
}

// Close closes the MongoDB connection
func (m *MongoDB) Close(ctx context.Context) error {
	log.Println("🔌 Closing MongoDB connection...")
	return m.client.Disconnect(ctx)
}

// Ping checks if the database connection is alive
func (m *MongoDB) Ping(ctx context.Context) error {
	return m.client.Ping(ctx, readpref.Primary())
}

// MongoRepository implements Repository on MongoDB
type MongoRepository struct {
	mongodb       *MongoDB
	profiles      *mongo.Collection
	distributions *mongo.Collection
	decisions     *mongo.Collection
	records       *mongo.Collection
}

// NewMongoRepository creates a repository over an initialized MongoDB
func NewMongoRepository(mongodb *MongoDB) *MongoRepository {
	return &MongoRepository{
		mongodb:       mongodb,
		profiles:      mongodb.Collection(CollectionAgentProfiles),
		distributions: mongodb.Collection(CollectionDistributions),
		decisions:     mongodb.Collection(CollectionAgentDecisions),
		records:       mongodb.Collection(CollectionKnowledgeRecords),
	}
}

var _ Repository = (*MongoRepository)(nil)

func (r *MongoRepository) CreateDistribution(ctx context.Context, d *models.Distribution) error {
	_, err := r.distributions.InsertOne(ctx, d)
	return mapMongoWriteErr("insert distribution", err)
}

func (r *MongoRepository) GetDistribution(ctx context.Context, id string) (*models.Distribution, error) {
	var d models.Distribution
	if err := r.distributions.FindOne(ctx, bson.M{"_id": id}).Decode(&d); err != nil {
		return nil, mapMongoReadErr("find distribution", err)
	}
	return &d, nil
}

func (r *MongoRepository) AppendStoredBy(ctx context.Context, distributionID, agentID string) error {
	res, err := r.distributions.UpdateOne(ctx,
		bson.M{"_id": distributionID},
		bson.M{"$addToSet": bson.M{"storedBy": agentID}},
	)
	if err != nil {
		return fmt.Errorf("failed to append storedBy: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *MongoRepository) DeleteDistribution(ctx context.Context, id string) error {
	if _, err := r.records.DeleteOne(ctx, bson.M{"distributionId": id}); err != nil {
		return fmt.Errorf("failed to delete knowledge record: %w", err)
	}
	if _, err := r.decisions.DeleteOne(ctx, bson.M{"distributionId": id}); err != nil {
		return fmt.Errorf("failed to delete decision: %w", err)
	}
	if _, err := r.distributions.DeleteOne(ctx, bson.M{"_id": id}); err != nil {
		return fmt.Errorf("failed to delete distribution: %w", err)
	}
	return nil
}

func (r *MongoRepository) CreateDecision(ctx context.Context, d *models.AgentDecision) error {
	_, err := r.decisions.InsertOne(ctx, d)
	return mapMongoWriteErr("insert decision", err)
}

func (r *MongoRepository) GetDecisionByDistribution(ctx context.Context, distributionID string) (*models.AgentDecision, error) {
	var d models.AgentDecision
	if err := r.decisions.FindOne(ctx, bson.M{"distributionId": distributionID}).Decode(&d); err != nil {
		return nil, mapMongoReadErr("find decision", err)
	}
	return &d, nil
}

func (r *MongoRepository) CreateKnowledgeRecord(ctx context.Context, rec *models.KnowledgeRecord) error {
	_, err := r.records.InsertOne(ctx, rec)
	return mapMongoWriteErr("insert knowledge record", err)
}

func (r *MongoRepository) GetKnowledgeRecordByDistribution(ctx context.Context, distributionID string) (*models.KnowledgeRecord, error) {
	var rec models.KnowledgeRecord
	if err := r.records.FindOne(ctx, bson.M{"distributionId": distributionID}).Decode(&rec); err != nil {
		return nil, mapMongoReadErr("find knowledge record", err)
	}
	return &rec, nil
}

func (r *MongoRepository) ListKnowledgeRecords(ctx context.Context, userID, agentID string, limit int) ([]models.KnowledgeRecord, error) {
	filter := bson.M{"userId": userID}
	if agentID != "" {
		filter["agentId"] = agentID
	}
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := r.records.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list knowledge records: %w", err)
	}
	defer cursor.Close(ctx)

	var out []models.KnowledgeRecord
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("failed to decode knowledge records: %w", err)
	}
	return out, nil
}

func (r *MongoRepository) CreateAgentProfile(ctx context.Context, p *models.AgentProfile) error {
	_, err := r.profiles.InsertOne(ctx, p)
	return mapMongoWriteErr("insert agent profile", err)
}

func (r *MongoRepository) GetAgentProfile(ctx context.Context, id string) (*models.AgentProfile, error) {
	var p models.AgentProfile
	if err := r.profiles.FindOne(ctx, bson.M{"_id": id}).Decode(&p); err != nil {
		return nil, mapMongoReadErr("find agent profile", err)
	}
	return &p, nil
}

func (r *MongoRepository) ListAgentProfiles(ctx context.Context, userID string) ([]models.AgentProfile, error) {
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "name", Value: 1}})
	cursor, err := r.profiles.Find(ctx, bson.M{"userId": userID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list agent profiles: %w", err)
	}
	defer cursor.Close(ctx)

	var out []models.AgentProfile
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("failed to decode agent profiles: %w", err)
	}
	return out, nil
}

func (r *MongoRepository) UpdateAgentProfile(ctx context.Context, p *models.AgentProfile) error {
	res, err := r.profiles.UpdateOne(ctx,
		bson.M{"_id": p.ID},
		bson.M{"$set": bson.M{
			"name":         p.Name,
			"emoji":        p.Emoji,
			"color":        p.Color,
			"systemPrompt": p.SystemPrompt,
			"keywords":     p.Keywords,
			"updatedAt":    time.Now(),
		}},
	)
	if err != nil {
		return fmt.Errorf("failed to update agent profile: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementCounter uses $inc so concurrent runs never lose updates
func (r *MongoRepository) IncrementCounter(ctx context.Context, agentID, field string, delta int64) error {
	if !models.IsCounterField(field) {
		return fmt.Errorf("%w: %s", ErrInvalidCounter, field)
	}
	res, err := r.profiles.UpdateOne(ctx,
		bson.M{"_id": agentID},
		bson.M{
			"$inc": bson.M{field: delta},
			"$set": bson.M{"updatedAt": time.Now()},
		},
	)
	if err != nil {
		return fmt.Errorf("failed to increment %s: %w", field, err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *MongoRepository) Close(ctx context.Context) error {
	return r.mongodb.Close(ctx)
}

func mapMongoWriteErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicate
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

func mapMongoReadErr(op string, err error) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNotFound
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}
