package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"knowledgeroute/internal/models"
)

// SQLRepository implements Repository on MySQL or SQLite
type SQLRepository struct {
	db *DB
}

// NewSQLRepository wraps an opened and initialized DB
func NewSQLRepository(db *DB) *SQLRepository {
	return &SQLRepository{db: db}
}

var _ Repository = (*SQLRepository)(nil)

func (r *SQLRepository) CreateDistribution(ctx context.Context, d *models.Distribution) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO distributions (id, user_id, content, content_type, content_hash, files, links, images,
			target_agent_ids, chief_analysis, summary, processing_time_ms, stored_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.UserID, d.Content, d.ContentType, d.ContentHash,
		toJSON(d.Files), toJSON(d.Links), toJSON(d.Images), toJSON(d.TargetAgentIDs),
		d.ChiefAnalysis, d.Summary, d.ProcessingTimeMs, toJSON(d.StoredBy), d.CreatedAt.UnixNano(),
	)
	return r.mapWriteErr("insert distribution", err)
}

func (r *SQLRepository) GetDistribution(ctx context.Context, id string) (*models.Distribution, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, content, content_type, content_hash, files, links, images,
			target_agent_ids, chief_analysis, summary, processing_time_ms, stored_by, created_at
		FROM distributions WHERE id = ?`, id)

	var d models.Distribution
	var files, links, images, targets, storedBy string
	var createdAt int64
	err := row.Scan(&d.ID, &d.UserID, &d.Content, &d.ContentType, &d.ContentHash, &files, &links, &images,
		&targets, &d.ChiefAnalysis, &d.Summary, &d.ProcessingTimeMs, &storedBy, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read distribution: %w", err)
	}
	fromJSON(files, &d.Files)
	fromJSON(links, &d.Links)
	fromJSON(images, &d.Images)
	fromJSON(targets, &d.TargetAgentIDs)
	fromJSON(storedBy, &d.StoredBy)
	d.CreatedAt = time.Unix(0, createdAt)
	return &d, nil
}

func (r *SQLRepository) AppendStoredBy(ctx context.Context, distributionID, agentID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var raw string
	err = tx.QueryRowContext(ctx, `SELECT stored_by FROM distributions WHERE id = ?`, distributionID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read stored_by: %w", err)
	}

	var storedBy []string
	fromJSON(raw, &storedBy)
	for _, existing := range storedBy {
		if existing == agentID {
			return nil
		}
	}
	storedBy = append(storedBy, agentID)

	if _, err := tx.ExecContext(ctx, `UPDATE distributions SET stored_by = ? WHERE id = ?`, toJSON(storedBy), distributionID); err != nil {
		return fmt.Errorf("failed to update stored_by: %w", err)
	}
	return tx.Commit()
}

func (r *SQLRepository) DeleteDistribution(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`DELETE FROM knowledge_records WHERE distribution_id = ?`,
		`DELETE FROM agent_decisions WHERE distribution_id = ?`,
		`DELETE FROM distributions WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
			return fmt.Errorf("failed to delete distribution %s: %w", id, err)
		}
	}
	return tx.Commit()
}

func (r *SQLRepository) CreateDecision(ctx context.Context, d *models.AgentDecision) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO agent_decisions (id, distribution_id, agent_id, relevance_score, confidence, should_store,
			reasoning, suggested_tags, key_insights, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.DistributionID, d.AgentID, d.RelevanceScore, d.Confidence, d.ShouldStore,
		d.Reasoning, toJSON(d.SuggestedTags), toJSON(d.KeyInsights), d.CreatedAt.UnixNano(),
	)
	return r.mapWriteErr("insert decision", err)
}

func (r *SQLRepository) GetDecisionByDistribution(ctx context.Context, distributionID string) (*models.AgentDecision, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, distribution_id, agent_id, relevance_score, confidence, should_store,
			reasoning, suggested_tags, key_insights, created_at
		FROM agent_decisions WHERE distribution_id = ?`, distributionID)

	var d models.AgentDecision
	var tags, insights string
	var createdAt int64
	err := row.Scan(&d.ID, &d.DistributionID, &d.AgentID, &d.RelevanceScore, &d.Confidence, &d.ShouldStore,
		&d.Reasoning, &tags, &insights, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read decision: %w", err)
	}
	fromJSON(tags, &d.SuggestedTags)
	fromJSON(insights, &d.KeyInsights)
	d.CreatedAt = time.Unix(0, createdAt)
	return &d, nil
}

func (r *SQLRepository) CreateKnowledgeRecord(ctx context.Context, rec *models.KnowledgeRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO knowledge_records (id, user_id, agent_id, distribution_id, content, content_hash, title, summary,
			detailed_summary, tags, sentiment, importance, actionable_advice, relevance_score, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.UserID, rec.AgentID, rec.DistributionID, rec.Content, rec.ContentHash, rec.Title, rec.Summary,
		rec.DetailedSummary, toJSON(rec.Tags), rec.Sentiment, rec.Importance, rec.ActionableAdvice,
		rec.RelevanceScore, toJSON(rec.Embedding), rec.CreatedAt.UnixNano(),
	)
	return r.mapWriteErr("insert knowledge record", err)
}

const knowledgeColumns = `id, user_id, agent_id, distribution_id, content, content_hash, title, summary,
	detailed_summary, tags, sentiment, importance, actionable_advice, relevance_score, embedding, created_at`

func scanKnowledge(scan func(dest ...interface{}) error) (*models.KnowledgeRecord, error) {
	var rec models.KnowledgeRecord
	var tags, embedding string
	var createdAt int64
	err := scan(&rec.ID, &rec.UserID, &rec.AgentID, &rec.DistributionID, &rec.Content, &rec.ContentHash,
		&rec.Title, &rec.Summary, &rec.DetailedSummary, &tags, &rec.Sentiment, &rec.Importance,
		&rec.ActionableAdvice, &rec.RelevanceScore, &embedding, &createdAt)
	if err != nil {
		return nil, err
	}
	fromJSON(tags, &rec.Tags)
	fromJSON(embedding, &rec.Embedding)
	rec.CreatedAt = time.Unix(0, createdAt)
	return &rec, nil
}

func (r *SQLRepository) GetKnowledgeRecordByDistribution(ctx context.Context, distributionID string) (*models.KnowledgeRecord, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+knowledgeColumns+` FROM knowledge_records WHERE distribution_id = ?`, distributionID)
	rec, err := scanKnowledge(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read knowledge record: %w", err)
	}
	return rec, nil
}

func (r *SQLRepository) ListKnowledgeRecords(ctx context.Context, userID, agentID string, limit int) ([]models.KnowledgeRecord, error) {
	query := `SELECT ` + knowledgeColumns + ` FROM knowledge_records WHERE user_id = ?`
	args := []interface{}{userID}
	if agentID != "" {
		query += ` AND agent_id = ?`
		args = append(args, agentID)
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list knowledge records: %w", err)
	}
	defer rows.Close()

	var out []models.KnowledgeRecord
	for rows.Next() {
		rec, err := scanKnowledge(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan knowledge record: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (r *SQLRepository) CreateAgentProfile(ctx context.Context, p *models.AgentProfile) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO agent_profiles (id, user_id, name, emoji, color, system_prompt, keywords,
			memory_count, chat_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.UserID, p.Name, p.Emoji, p.Color, p.SystemPrompt, toJSON(p.Keywords),
		p.MemoryCount, p.ChatCount, p.CreatedAt.UnixNano(), p.UpdatedAt.UnixNano(),
	)
	return r.mapWriteErr("insert agent profile", err)
}

const profileColumns = `id, user_id, name, emoji, color, system_prompt, keywords, memory_count, chat_count, created_at, updated_at`

func scanProfile(scan func(dest ...interface{}) error) (*models.AgentProfile, error) {
	var p models.AgentProfile
	var keywords string
	var createdAt, updatedAt int64
	if err := scan(&p.ID, &p.UserID, &p.Name, &p.Emoji, &p.Color, &p.SystemPrompt, &keywords,
		&p.MemoryCount, &p.ChatCount, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	fromJSON(keywords, &p.Keywords)
	p.CreatedAt = time.Unix(0, createdAt)
	p.UpdatedAt = time.Unix(0, updatedAt)
	return &p, nil
}

func (r *SQLRepository) GetAgentProfile(ctx context.Context, id string) (*models.AgentProfile, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM agent_profiles WHERE id = ?`, id)
	p, err := scanProfile(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read agent profile: %w", err)
	}
	return p, nil
}

func (r *SQLRepository) ListAgentProfiles(ctx context.Context, userID string) ([]models.AgentProfile, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+profileColumns+` FROM agent_profiles WHERE user_id = ? ORDER BY created_at, name`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list agent profiles: %w", err)
	}
	defer rows.Close()

	var out []models.AgentProfile
	for rows.Next() {
		p, err := scanProfile(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent profile: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (r *SQLRepository) UpdateAgentProfile(ctx context.Context, p *models.AgentProfile) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE agent_profiles SET name = ?, emoji = ?, color = ?, system_prompt = ?, keywords = ?, updated_at = ?
		WHERE id = ?`,
		p.Name, p.Emoji, p.Color, p.SystemPrompt, toJSON(p.Keywords), time.Now().UnixNano(), p.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update agent profile: %w", err)
	}
	return requireRow(res)
}

func (r *SQLRepository) IncrementCounter(ctx context.Context, agentID, field string, delta int64) error {
	var column string
	switch field {
	case models.CounterMemoryCount:
		column = "memory_count"
	case models.CounterChatCount:
		column = "chat_count"
	default:
		return fmt.Errorf("%w: %s", ErrInvalidCounter, field)
	}

	res, err := r.db.ExecContext(ctx,
		`UPDATE agent_profiles SET `+column+` = `+column+` + ?, updated_at = ? WHERE id = ?`,
		delta, time.Now().UnixNano(), agentID,
	)
	if err != nil {
		return fmt.Errorf("failed to increment %s: %w", field, err)
	}
	return requireRow(res)
}

func (r *SQLRepository) Close(ctx context.Context) error {
	return r.db.Close()
}

func (r *SQLRepository) mapWriteErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

func isUniqueViolation(err error) bool {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func toJSON(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(data)
}

func fromJSON(raw string, dest interface{}) {
	if raw == "" || raw == "null" {
		return
	}
	_ = json.Unmarshal([]byte(raw), dest)
}
