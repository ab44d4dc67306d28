package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"planforge/internal/domain"
)

// ErrVersionConflict signals a compare-and-swap failure on a conversation.
var ErrVersionConflict = errors.New("conversation version conflict")

const conversationColumns = `id,project_id,phase,current_state,version,metadata_json,created_at,updated_at`

func scanConversationRow(scan func(dest ...any) error) (domain.Conversation, error) {
	var c domain.Conversation
	var metadata string
	err := scan(&c.ID, &c.ProjectID, &c.Phase, &c.CurrentState, &c.Version, &metadata, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if err := json.Unmarshal([]byte(metadata), &c.Metadata); err != nil {
		return c, fmt.Errorf("decode conversation metadata: %w", err)
	}
	return c, nil
}

func (r Repo) InsertConversation(ctx context.Context, tx *sql.Tx, c domain.Conversation) error {
	metadata, err := json.Marshal(c.Metadata)
	if err != nil {
		return err
	}
	if c.Metadata == nil {
		metadata = []byte("{}")
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO conversations(id,project_id,phase,current_state,version,metadata_json,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?)`,
		c.ID, c.ProjectID, c.Phase, c.CurrentState, c.Version, string(metadata), c.CreatedAt, c.UpdatedAt)
	return err
}

func (r Repo) GetConversation(ctx context.Context, id string) (domain.Conversation, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id=?`, id)
	return scanConversationRow(row.Scan)
}

// ActiveConversation returns the project's single active conversation.
func (r Repo) ActiveConversation(ctx context.Context, projectID string) (domain.Conversation, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations
WHERE project_id=? AND current_state='active' ORDER BY created_at DESC LIMIT 1`, projectID)
	return scanConversationRow(row.Scan)
}

func (r Repo) ActiveConversationTx(ctx context.Context, tx *sql.Tx, projectID string) (domain.Conversation, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations
WHERE project_id=? AND current_state='active' ORDER BY created_at DESC LIMIT 1`, projectID)
	return scanConversationRow(row.Scan)
}

// UpdateConversationCAS applies the new phase, state and metadata only if the
// stored version still matches expectedVersion, bumping the version on
// success.
func (r Repo) UpdateConversationCAS(ctx context.Context, tx *sql.Tx, id string, expectedVersion int64, phase, state string, metadata map[string]any, updatedAt string) error {
	meta, err := json.Marshal(metadata)
	if err != nil {
		return err
	}
	if metadata == nil {
		meta = []byte("{}")
	}
	res, err := tx.ExecContext(ctx, `UPDATE conversations SET phase=?, current_state=?, metadata_json=?, version=version+1, updated_at=?
WHERE id=? AND version=?`, phase, state, string(meta), updatedAt, id, expectedVersion)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT 1 FROM conversations WHERE id=?`, id).Scan(&exists); err == sql.ErrNoRows {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	return nil
}

func (r Repo) AppendMessage(ctx context.Context, tx *sql.Tx, m domain.Message) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO conversation_messages(conversation_id,role,content,created_at) VALUES (?,?,?,?)`,
		m.ConversationID, m.Role, m.Content, m.CreatedAt)
	return err
}

// ListMessages returns the full transcript oldest first.
func (r Repo) ListMessages(ctx context.Context, conversationID string) ([]domain.Message, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,conversation_id,role,content,created_at FROM conversation_messages
WHERE conversation_id=? ORDER BY id ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Message
	for rows.Next() {
		var m domain.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}
