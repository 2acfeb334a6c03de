package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/nzcbass/refsession/rse/db"
	"github.com/nzcbass/refsession/rse/session"

	"github.com/google/uuid"
)

// LibSQLStore implements the session storage ports over an embedded libsql
// database. Version inserts and current-pointer updates share one
// transaction; turn and version rows are insert-only.
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore creates a store over an already-migrated database handle.
func NewLibSQLStore(database *sql.DB) *LibSQLStore {
	return &LibSQLStore{db: database}
}

// Provision implements session.SessionStore.
func (s *LibSQLStore) Provision(ctx context.Context, templateID, token string) (*session.Session, error) {
	now := time.Now()
	sess := &session.Session{
		ID:           uuid.New().String(),
		Token:        token,
		TemplateID:   templateID,
		State:        session.StateInProgress,
		CurrentIndex: 0,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	query := `
		INSERT INTO sessions (id, token, template_id, state, current_index, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		sess.ID, sess.Token, sess.TemplateID, string(sess.State), sess.CurrentIndex,
		sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to provision session: %w", err)
	}
	return sess, nil
}

// Get implements session.SessionStore.
func (s *LibSQLStore) Get(ctx context.Context, id string) (*session.Session, error) {
	return s.getSession(ctx, "id = ?", id)
}

// GetByToken implements session.SessionStore.
func (s *LibSQLStore) GetByToken(ctx context.Context, token string) (*session.Session, error) {
	sess, err := s.getSession(ctx, "token = ?", token)
	if err != nil {
		return nil, session.ErrInvalidToken
	}
	return sess, nil
}

func (s *LibSQLStore) getSession(ctx context.Context, where string, arg any) (*session.Session, error) {
	query := `
		SELECT id, token, template_id, state, current_index, created_at, updated_at
		FROM sessions
		WHERE ` + where

	var sess session.Session
	var state string
	err := s.db.QueryRowContext(ctx, query, arg).Scan(
		&sess.ID, &sess.Token, &sess.TemplateID, &state, &sess.CurrentIndex,
		&sess.CreatedAt, &sess.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, session.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	sess.State = session.State(state)
	return &sess, nil
}

// UpdateState implements session.SessionStore.
func (s *LibSQLStore) UpdateState(ctx context.Context, id string, state session.State, currentIndex int) error {
	query := `
		UPDATE sessions
		SET state = ?, current_index = ?, updated_at = ?
		WHERE id = ?
	`
	result, err := s.db.ExecContext(ctx, query, string(state), currentIndex, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update session state: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return session.ErrSessionNotFound
	}
	return nil
}

// CreateOriginal implements session.VersionStore.
func (s *LibSQLStore) CreateOriginal(ctx context.Context, sessionID, questionKey, content string) (*session.AnswerVersion, bool, error) {
	var out *session.AnswerVersion
	created := false

	err := db.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		var answerID string
		var currentVersion int
		err := tx.QueryRowContext(ctx,
			"SELECT id, current_version FROM answers WHERE session_id = ? AND question_key = ?",
			sessionID, questionKey,
		).Scan(&answerID, &currentVersion)

		if err == nil {
			// Retried request; return the existing current version untouched.
			existing, verr := scanVersion(tx.QueryRowContext(ctx,
				versionSelect+" WHERE answer_id = ? AND version = ?", answerID, currentVersion))
			if verr != nil {
				return verr
			}
			out = existing
			return nil
		}
		if err != sql.ErrNoRows {
			return err
		}

		answerID = uuid.New().String()
		v := &session.AnswerVersion{
			ID:         uuid.New().String(),
			AnswerID:   answerID,
			Version:    1,
			Content:    content,
			IsOriginal: true,
			CreatedAt:  time.Now(),
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO answers (id, session_id, question_key, current_version) VALUES (?, ?, ?, 1)",
			answerID, sessionID, questionKey,
		); err != nil {
			return fmt.Errorf("failed to insert answer: %w", err)
		}
		if err := insertVersion(ctx, tx, v); err != nil {
			return err
		}

		out = v
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, created, nil
}

// AppendRevision implements session.VersionStore.
func (s *LibSQLStore) AppendRevision(ctx context.Context, answerID, content, editedBy, editNotes string) (*session.AnswerVersion, error) {
	var out *session.AnswerVersion

	err := db.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		var currentVersion int
		err := tx.QueryRowContext(ctx,
			"SELECT current_version FROM answers WHERE id = ?", answerID,
		).Scan(&currentVersion)
		if err == sql.ErrNoRows {
			return session.ErrAnswerNotFound
		}
		if err != nil {
			return err
		}

		v := &session.AnswerVersion{
			ID:        uuid.New().String(),
			AnswerID:  answerID,
			Version:   currentVersion + 1,
			Content:   content,
			EditedBy:  editedBy,
			EditNotes: editNotes,
			CreatedAt: time.Now(),
		}
		if err := insertVersion(ctx, tx, v); err != nil {
			return err
		}

		// Pointer moves in the same transaction as the insert.
		if _, err := tx.ExecContext(ctx,
			"UPDATE answers SET current_version = ? WHERE id = ?", v.Version, answerID,
		); err != nil {
			return fmt.Errorf("failed to move current pointer: %w", err)
		}

		out = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

const versionSelect = `
	SELECT id, answer_id, version, content, polished_content, is_original, edited_by, edit_notes, created_at
	FROM answer_versions`

func insertVersion(ctx context.Context, tx *sql.Tx, v *session.AnswerVersion) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO answer_versions (id, answer_id, version, content, polished_content, is_original, edited_by, edit_notes, created_at)
		VALUES (?, ?, ?, ?, NULL, ?, ?, ?, ?)
	`, v.ID, v.AnswerID, v.Version, v.Content, v.IsOriginal, v.EditedBy, v.EditNotes, v.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert version: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVersion(row rowScanner) (*session.AnswerVersion, error) {
	var v session.AnswerVersion
	var polished sql.NullString
	err := row.Scan(
		&v.ID, &v.AnswerID, &v.Version, &v.Content, &polished,
		&v.IsOriginal, &v.EditedBy, &v.EditNotes, &v.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, session.ErrAnswerNotFound
	}
	if err != nil {
		return nil, err
	}
	if polished.Valid {
		v.PolishedContent = polished.String
	}
	return &v, nil
}

// GetAnswer implements session.VersionStore.
func (s *LibSQLStore) GetAnswer(ctx context.Context, answerID string) (*session.Answer, error) {
	return s.getAnswer(ctx, "id = ?", answerID)
}

// GetAnswerByKey implements session.VersionStore.
func (s *LibSQLStore) GetAnswerByKey(ctx context.Context, sessionID, questionKey string) (*session.Answer, error) {
	return s.getAnswer(ctx, "session_id = ? AND question_key = ?", sessionID, questionKey)
}

func (s *LibSQLStore) getAnswer(ctx context.Context, where string, args ...any) (*session.Answer, error) {
	query := "SELECT id, session_id, question_key, current_version FROM answers WHERE " + where

	var a session.Answer
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&a.ID, &a.SessionID, &a.QuestionKey, &a.CurrentVersion,
	)
	if err == sql.ErrNoRows {
		return nil, session.ErrAnswerNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// CurrentVersion implements session.VersionStore.
func (s *LibSQLStore) CurrentVersion(ctx context.Context, answerID string) (*session.AnswerVersion, error) {
	return scanVersion(s.db.QueryRowContext(ctx, versionSelect+`
		WHERE answer_id = ?
		AND version = (SELECT current_version FROM answers WHERE id = ?)`,
		answerID, answerID))
}

// ListVersions implements session.VersionStore.
func (s *LibSQLStore) ListVersions(ctx context.Context, answerID string) ([]session.AnswerVersion, error) {
	rows, err := s.db.QueryContext(ctx, versionSelect+" WHERE answer_id = ? ORDER BY version ASC", answerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query versions: %w", err)
	}
	defer rows.Close()

	var out []session.AnswerVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, rows.Err()
}

// AnsweredKeys implements session.VersionStore.
func (s *LibSQLStore) AnsweredKeys(ctx context.Context, sessionID string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT question_key FROM answers WHERE session_id = ?", sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query answered keys: %w", err)
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		out[key] = true
	}
	return out, rows.Err()
}

// SetPolished implements session.VersionStore.
func (s *LibSQLStore) SetPolished(ctx context.Context, versionID, polished string) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE answer_versions SET polished_content = ? WHERE id = ?", polished, versionID)
	if err != nil {
		return fmt.Errorf("failed to set polished content: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return session.ErrAnswerNotFound
	}
	return nil
}

// Append implements session.TurnLog.
func (s *LibSQLStore) Append(ctx context.Context, sessionID, questionKey string, kind session.TurnKind, content string) (*session.ConversationTurn, error) {
	turn := &session.ConversationTurn{
		SessionID:   sessionID,
		QuestionKey: questionKey,
		Kind:        kind,
		Content:     content,
		CreatedAt:   time.Now(),
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO conversation_turns (session_id, question_key, kind, content, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, turn.SessionID, turn.QuestionKey, string(turn.Kind), turn.Content, turn.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to append turn: %w", err)
	}

	turn.ID, err = result.LastInsertId()
	if err != nil {
		return nil, err
	}
	return turn, nil
}

const turnSelect = `
	SELECT id, session_id, question_key, kind, content, created_at
	FROM conversation_turns`

// List implements session.TurnLog.
func (s *LibSQLStore) List(ctx context.Context, sessionID, questionKey string) ([]session.ConversationTurn, error) {
	return s.listTurns(ctx, turnSelect+" WHERE session_id = ? AND question_key = ? ORDER BY id ASC",
		sessionID, questionKey)
}

// ListBySession implements session.TurnLog.
func (s *LibSQLStore) ListBySession(ctx context.Context, sessionID string) ([]session.ConversationTurn, error) {
	return s.listTurns(ctx, turnSelect+" WHERE session_id = ? ORDER BY id ASC", sessionID)
}

func (s *LibSQLStore) listTurns(ctx context.Context, query string, args ...any) ([]session.ConversationTurn, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query turns: %w", err)
	}
	defer rows.Close()

	var out []session.ConversationTurn
	for rows.Next() {
		var turn session.ConversationTurn
		var kind string
		if err := rows.Scan(&turn.ID, &turn.SessionID, &turn.QuestionKey, &kind, &turn.Content, &turn.CreatedAt); err != nil {
			return nil, err
		}
		turn.Kind = session.TurnKind(kind)
		out = append(out, turn)
	}
	return out, rows.Err()
}

// CountBySession implements session.TurnLog.
func (s *LibSQLStore) CountBySession(ctx context.Context, sessionID string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM conversation_turns WHERE session_id = ?", sessionID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count turns: %w", err)
	}
	return count, nil
}

// CreateSeal implements session.SealStore.
func (s *LibSQLStore) CreateSeal(ctx context.Context, seal *session.CompletionSeal) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO completion_seals (session_id, template_id, digest, completed_at)
		VALUES (?, ?, ?, ?)
	`, seal.SessionID, seal.TemplateID, seal.Digest, seal.CompletedAt)
	if err != nil {
		// The primary key makes a second seal a constraint violation.
		if strings.Contains(strings.ToLower(err.Error()), "unique") ||
			strings.Contains(strings.ToLower(err.Error()), "constraint") {
			return session.ErrAlreadyCompleted
		}
		return fmt.Errorf("failed to create seal: %w", err)
	}
	return nil
}

// GetSeal implements session.SealStore.
func (s *LibSQLStore) GetSeal(ctx context.Context, sessionID string) (*session.CompletionSeal, error) {
	var seal session.CompletionSeal
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, template_id, digest, completed_at
		FROM completion_seals
		WHERE session_id = ?
	`, sessionID).Scan(&seal.SessionID, &seal.TemplateID, &seal.Digest, &seal.CompletedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &seal, nil
}

// Interface checks
var (
	_ session.SessionStore = (*LibSQLStore)(nil)
	_ session.VersionStore = (*LibSQLStore)(nil)
	_ session.TurnLog      = (*LibSQLStore)(nil)
	_ session.SealStore    = (*LibSQLStore)(nil)
)
