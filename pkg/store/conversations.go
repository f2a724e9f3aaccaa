package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/decideplease/councild/pkg/models"
)

// CreateConversation starts an empty conversation for the user.
func (s *Store) CreateConversation(ctx context.Context, userID string) (*models.Conversation, error) {
	id := uuid.NewString()
	var conv models.Conversation
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO conversations (id, user_id)
		VALUES ($1, $2)
		RETURNING id, user_id, title, created_at`,
		id, userID).Scan(&conv.ID, &conv.UserID, &conv.Title, &conv.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	return &conv, nil
}

// GetConversation returns the conversation with its full transcript.
// Assistant rows that never reached a final answer are filtered out of
// the read path so abandoned runs stay invisible to clients.
func (s *Store) GetConversation(ctx context.Context, conversationID, userID string) (*models.Conversation, error) {
	var conv models.Conversation
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, title, created_at
		FROM conversations
		WHERE id = $1 AND user_id = $2`,
		conversationID, userID).Scan(&conv.ID, &conv.UserID, &conv.Title, &conv.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation %s: %w", conversationID, err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, role, content,
		       stage1, stage1_5, stage2, stage3,
		       mode, is_rerun, rerun_input, revision_number,
		       parent_message_id, context_summary, created_at
		FROM messages
		WHERE conversation_id = $1
		  AND (role = 'user' OR stage3 IS NOT NULL)
		ORDER BY created_at, id`,
		conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages for conversation %s: %w", conversationID, err)
	}
	defer rows.Close()

	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		conv.Messages = append(conv.Messages, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}
	return &conv, nil
}

// ListConversations returns the user's conversations newest-first, with
// per-conversation question counts, plus the total for pagination.
func (s *Store) ListConversations(ctx context.Context, userID string, limit, offset int) ([]models.ConversationMetadata, int, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	var total int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM conversations WHERE user_id = $1`,
		userID).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count conversations: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.title, c.created_at,
		       COUNT(m.id) FILTER (WHERE m.role = 'user') AS question_count
		FROM conversations c
		LEFT JOIN messages m ON m.conversation_id = c.id
		WHERE c.user_id = $1
		GROUP BY c.id
		ORDER BY c.created_at DESC
		LIMIT $2 OFFSET $3`,
		userID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	out := make([]models.ConversationMetadata, 0)
	for rows.Next() {
		var meta models.ConversationMetadata
		if err := rows.Scan(&meta.ID, &meta.Title, &meta.CreatedAt, &meta.MessageCount); err != nil {
			return nil, 0, fmt.Errorf("failed to scan conversation row: %w", err)
		}
		out = append(out, meta)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate conversations: %w", err)
	}
	return out, total, nil
}

// UpdateTitle sets the conversation title, enforcing ownership.
func (s *Store) UpdateTitle(ctx context.Context, conversationID, userID, title string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations
		SET title = $3
		WHERE id = $1 AND user_id = $2`,
		conversationID, userID, title)
	if err != nil {
		return fmt.Errorf("failed to update title of conversation %s: %w", conversationID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check title update: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteConversation removes the conversation and, via cascade, its
// transcript. Credits already consumed are not refunded.
func (s *Store) DeleteConversation(ctx context.Context, conversationID, userID string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM conversations
		WHERE id = $1 AND user_id = $2`,
		conversationID, userID)
	if err != nil {
		return fmt.Errorf("failed to delete conversation %s: %w", conversationID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check conversation delete: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendQuestion records a user question and returns its message ID.
func (s *Store) AppendQuestion(ctx context.Context, conversationID, content string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO messages (conversation_id, role, content)
		VALUES ($1, 'user', $2)
		RETURNING id`,
		conversationID, content).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to append question to conversation %s: %w", conversationID, err)
	}
	return id, nil
}

// CommitAnswerParams carries all stage artifacts for one atomic commit.
// Stage3 is required: an answer without a final synthesis never reaches
// the store.
type CommitAnswerParams struct {
	Stage1     []models.StageResponse
	Stage15    []models.StageResponse
	Stage2     []models.StageRanking
	Stage3     *models.StageFinal
	Mode       string
	IsRerun    bool
	RerunInput string
	ParentID   *int64
}

// CommitAnswer writes the assistant row with all stage artifacts in one
// transaction. For reruns the revision number is computed inside the
// same transaction as one more than the highest existing revision for
// the parent question, so concurrent reruns serialize correctly.
func (s *Store) CommitAnswer(ctx context.Context, conversationID string, p CommitAnswerParams) (int64, error) {
	if p.Stage3 == nil {
		return 0, fmt.Errorf("cannot commit answer without a final response")
	}

	stage1, err := encodeStage(p.Stage1)
	if err != nil {
		return 0, err
	}
	stage15, err := encodeStage(p.Stage15)
	if err != nil {
		return 0, err
	}
	stage2, err := encodeStage(p.Stage2)
	if err != nil {
		return 0, err
	}
	stage3, err := encodeStage(p.Stage3)
	if err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin commit transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	revision := 0
	if p.IsRerun && p.ParentID != nil {
		err = tx.QueryRowContext(ctx, `
			SELECT COALESCE(MAX(revision_number), 0) + 1
			FROM messages
			WHERE parent_message_id = $1`,
			*p.ParentID).Scan(&revision)
		if err != nil {
			return 0, fmt.Errorf("failed to compute revision number: %w", err)
		}
	}

	var rerunInput any
	if p.RerunInput != "" {
		rerunInput = p.RerunInput
	}

	var id int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO messages (
			conversation_id, role,
			stage1, stage1_5, stage2, stage3,
			mode, is_rerun, rerun_input, revision_number, parent_message_id
		)
		VALUES ($1, 'assistant', $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`,
		conversationID,
		stage1, stage15, stage2, stage3,
		p.Mode, p.IsRerun, rerunInput, revision, p.ParentID).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to commit answer to conversation %s: %w", conversationID, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit answer transaction: %w", err)
	}
	return id, nil
}

// SaveContextSummary attaches the derived follow-up context to a
// committed answer. Failure here never invalidates the answer itself.
func (s *Store) SaveContextSummary(ctx context.Context, messageID int64, summary *models.ContextSummary) error {
	raw, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to encode context summary: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages
		SET context_summary = $2
		WHERE id = $1 AND role = 'assistant'`,
		messageID, raw)
	if err != nil {
		return fmt.Errorf("failed to save context summary for message %d: %w", messageID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check context summary update: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// LastAnswer returns the newest committed assistant message, or
// ErrNotFound if the conversation has no completed answers yet.
func (s *Store) LastAnswer(ctx context.Context, conversationID string) (*models.Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, role, content,
		       stage1, stage1_5, stage2, stage3,
		       mode, is_rerun, rerun_input, revision_number,
		       parent_message_id, context_summary, created_at
		FROM messages
		WHERE conversation_id = $1 AND role = 'assistant' AND stage3 IS NOT NULL
		ORDER BY created_at DESC, id DESC
		LIMIT 1`,
		conversationID)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return msg, err
}

// OriginalQuestion returns the first user question of the conversation.
func (s *Store) OriginalQuestion(ctx context.Context, conversationID string) (string, error) {
	var content sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT content
		FROM messages
		WHERE conversation_id = $1 AND role = 'user'
		ORDER BY created_at, id
		LIMIT 1`,
		conversationID).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read original question: %w", err)
	}
	return content.String, nil
}

// TrailingQuestion returns the chronologically last message if, and
// only if, it is a user question without a committed answer after it.
// Used to detect a question stranded by a crashed or cancelled run.
func (s *Store) TrailingQuestion(ctx context.Context, conversationID string) (*models.Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, role, content,
		       stage1, stage1_5, stage2, stage3,
		       mode, is_rerun, rerun_input, revision_number,
		       parent_message_id, context_summary, created_at
		FROM messages
		WHERE conversation_id = $1
		  AND (role = 'user' OR stage3 IS NOT NULL)
		ORDER BY created_at DESC, id DESC
		LIMIT 1`,
		conversationID)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if msg.Role != models.RoleUser {
		return nil, ErrNotFound
	}
	return msg, nil
}

// Stage3ByID returns the final response of a specific committed answer,
// enforcing that the message belongs to the conversation.
func (s *Store) Stage3ByID(ctx context.Context, conversationID string, messageID int64) (*models.StageFinal, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT stage3
		FROM messages
		WHERE id = $1 AND conversation_id = $2 AND role = 'assistant' AND stage3 IS NOT NULL`,
		messageID, conversationID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read final response %d: %w", messageID, err)
	}
	return models.DecodeStage3(raw)
}

// Stage3Latest returns the final response of the newest committed answer.
func (s *Store) Stage3Latest(ctx context.Context, conversationID string) (*models.StageFinal, error) {
	msg, err := s.LastAnswer(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return msg.Stage3, nil
}

// DeleteQuestionByID removes a user question and cascades to answers
// that reference it as parent. Deleting an assistant message directly
// is refused.
func (s *Store) DeleteQuestionByID(ctx context.Context, conversationID, userID string, messageID int64) error {
	var role string
	err := s.db.QueryRowContext(ctx, `
		SELECT m.role
		FROM messages m
		JOIN conversations c ON c.id = m.conversation_id
		WHERE m.id = $1 AND m.conversation_id = $2 AND c.user_id = $3`,
		messageID, conversationID, userID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to look up message %d: %w", messageID, err)
	}
	if role != models.RoleUser {
		return ErrNotQuestion
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin delete transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM messages WHERE parent_message_id = $1`,
		messageID); err != nil {
		return fmt.Errorf("failed to delete answers of message %d: %w", messageID, err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM messages WHERE id = $1`,
		messageID); err != nil {
		return fmt.Errorf("failed to delete message %d: %w", messageID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit message delete: %w", err)
	}
	return nil
}

// CleanupIncomplete deletes assistant rows that never received a final
// response. Run once at startup to clear artifacts of crashed runs.
func (s *Store) CleanupIncomplete(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM messages
		WHERE role = 'assistant' AND stage3 IS NULL`)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up incomplete answers: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count cleaned up answers: %w", err)
	}
	return n, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*models.Message, error) {
	var (
		msg        models.Message
		content    sql.NullString
		stage1     []byte
		stage15    []byte
		stage2     []byte
		stage3     []byte
		mode       sql.NullString
		rerunInput sql.NullString
		summary    []byte
	)
	err := row.Scan(
		&msg.ID, &msg.ConversationID, &msg.Role, &content,
		&stage1, &stage15, &stage2, &stage3,
		&mode, &msg.IsRerun, &rerunInput, &msg.RevisionNumber,
		&msg.ParentID, &summary, &msg.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sql.ErrNoRows
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan message row: %w", err)
	}

	msg.Content = content.String
	msg.Mode = mode.String
	msg.RerunInput = rerunInput.String

	if msg.Stage1, err = models.DecodeStage1(stage1); err != nil {
		return nil, fmt.Errorf("message %d: %w", msg.ID, err)
	}
	if msg.Stage15, err = models.DecodeStage1(stage15); err != nil {
		return nil, fmt.Errorf("message %d: %w", msg.ID, err)
	}
	if msg.Stage2, err = models.DecodeStage2(stage2); err != nil {
		return nil, fmt.Errorf("message %d: %w", msg.ID, err)
	}
	if msg.Stage3, err = models.DecodeStage3(stage3); err != nil {
		return nil, fmt.Errorf("message %d: %w", msg.ID, err)
	}
	if msg.ContextSummary, err = models.DecodeContextSummary(summary); err != nil {
		return nil, fmt.Errorf("message %d: %w", msg.ID, err)
	}
	return &msg, nil
}

// encodeStage marshals a stage artifact for a JSONB column, mapping
// empty slices and nil pointers to SQL NULL.
func encodeStage(v any) (any, error) {
	switch t := v.(type) {
	case []models.StageResponse:
		if len(t) == 0 {
			return nil, nil
		}
	case []models.StageRanking:
		if len(t) == 0 {
			return nil, nil
		}
	case *models.StageFinal:
		if t == nil {
			return nil, nil
		}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode stage artifact: %w", err)
	}
	return raw, nil
}
