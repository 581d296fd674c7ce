package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store reads conversation and profile records and owns the chat_messages
// outbox the notification worker drains.
type Store struct{ DB *pgxpool.Pool }

const (
	StatusPending     = "pending"
	StatusDispatching = "dispatching"
	StatusNotified    = "notified"
	StatusFailed      = "failed"
)

func (s *Store) DirectConversation(ctx context.Context, id string) (Conversation, error) {
	var members []string
	err := s.DB.QueryRow(ctx, `SELECT participants FROM chats WHERE id=$1`, id).Scan(&members)
	if err != nil {
		return Conversation{}, notFound(err)
	}
	return Conversation{ID: id, Kind: KindDirect, Members: members}, nil
}

func (s *Store) GroupConversation(ctx context.Context, id string) (Conversation, error) {
	var members []string
	err := s.DB.QueryRow(ctx, `SELECT members FROM group_chats WHERE id=$1`, id).Scan(&members)
	if err != nil {
		return Conversation{}, notFound(err)
	}
	return Conversation{ID: id, Kind: KindGroup, Members: members}, nil
}

// PushProfile returns the user's registered Expo tokens. A NULL token column
// comes back as a nil slice.
func (s *Store) PushProfile(ctx context.Context, userID string) (UserPushProfile, error) {
	p := UserPushProfile{UserID: userID}
	var active *string
	err := s.DB.QueryRow(ctx,
		`SELECT username, expo_push_tokens, active_chat_id FROM users WHERE id=$1`, userID,
	).Scan(&p.Username, &p.ExpoPushTokens, &active)
	if err != nil {
		return UserPushProfile{}, notFound(err)
	}
	if active != nil {
		p.ActiveChatID = *active
	}
	return p, nil
}

func (s *Store) UpsertUser(ctx context.Context, p UserPushProfile) error {
	var active *string
	if p.ActiveChatID != "" {
		active = &p.ActiveChatID
	}
	_, err := s.DB.Exec(ctx, `
		INSERT INTO users(id, username, expo_push_tokens, active_chat_id)
		VALUES($1,$2,$3,$4)
		ON CONFLICT (id) DO UPDATE
		SET username=EXCLUDED.username, expo_push_tokens=EXCLUDED.expo_push_tokens, active_chat_id=EXCLUDED.active_chat_id
	`, p.UserID, p.Username, p.ExpoPushTokens, active)
	return err
}

func (s *Store) UpsertChat(ctx context.Context, id string, participants []string) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO chats(id, participants) VALUES($1,$2)
		ON CONFLICT (id) DO UPDATE SET participants=EXCLUDED.participants
	`, id, participants)
	return err
}

func (s *Store) UpsertGroupChat(ctx context.Context, id, name string, members []string) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO group_chats(id, name, members) VALUES($1,$2,$3)
		ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name, members=EXCLUDED.members
	`, id, name, members)
	return err
}

// InsertChatMessage writes a new message; the row starts pending so the
// worker picks it up.
func (s *Store) InsertChatMessage(ctx context.Context, chatType, chatID string, m ChatMessage) (string, error) {
	var id string
	err := s.DB.QueryRow(ctx, `
		INSERT INTO chat_messages(chat_type, chat_id, from_uid, from_username, body)
		VALUES($1,$2,$3,$4,$5)
		RETURNING id
	`, chatType, chatID, m.FromUID, m.FromUsername, m.Body).Scan(&id)
	return id, err
}

// ClaimPendingMessages moves up to limit rows from pending->dispatching using
// SKIP LOCKED and returns their ids.
func (s *Store) ClaimPendingMessages(ctx context.Context, limit int) ([]string, error) {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
		SELECT id FROM chat_messages
		WHERE notify_status='pending' AND notify_after <= now()
		ORDER BY created_at
		LIMIT $1 FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, err
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, tx.Commit(ctx)
	}

	_, err = tx.Exec(ctx, `UPDATE chat_messages SET notify_status='dispatching', notify_attempts=notify_attempts+1, claimed_at=now() WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	return ids, tx.Commit(ctx)
}

func (s *Store) LoadOutboxMessage(ctx context.Context, id string) (OutboxMessage, error) {
	var m OutboxMessage
	err := s.DB.QueryRow(ctx, `
		SELECT id, chat_type, chat_id, from_uid, from_username, body, notify_status, notify_attempts, created_at, notified_at
		FROM chat_messages WHERE id=$1
	`, id).Scan(&m.ID, &m.ChatType, &m.ChatID, &m.Message.FromUID, &m.Message.FromUsername, &m.Message.Body,
		&m.NotifyStatus, &m.NotifyAttempts, &m.CreatedAt, &m.NotifiedAt)
	if err != nil {
		return OutboxMessage{}, notFound(err)
	}
	return m, nil
}

// LoadTrigger rebuilds the created-event for an outbox row.
func (s *Store) LoadTrigger(ctx context.Context, id string) (Trigger, error) {
	m, err := s.LoadOutboxMessage(ctx, id)
	if err != nil {
		return Trigger{}, err
	}
	msg := m.Message
	return NewTrigger(m.ChatType, m.ChatID, m.ID, &msg), nil
}

func (s *Store) MarkNotified(ctx context.Context, id string) error {
	_, err := s.DB.Exec(ctx, `UPDATE chat_messages SET notify_status='notified', notified_at=now() WHERE id=$1`, id)
	return err
}

// MarkFailed puts the row back to pending after retryIn, or parks it as
// failed once maxAttempts claims have been spent.
func (s *Store) MarkFailed(ctx context.Context, id string, retryIn time.Duration, maxAttempts int) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE chat_messages
		SET notify_status = CASE WHEN notify_attempts >= $3 THEN 'failed' ELSE 'pending' END,
		    notify_after = now() + make_interval(secs => $2)
		WHERE id=$1
	`, id, retryIn.Seconds(), maxAttempts)
	return err
}

// ReleaseClaim returns a claimed row that was never dispatched to pending
// without spending an attempt.
func (s *Store) ReleaseClaim(ctx context.Context, id string) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE chat_messages
		SET notify_status='pending',
		    notify_attempts=GREATEST(notify_attempts-1, 0),
		    notify_after=now(),
		    claimed_at=NULL
		WHERE id=$1 AND notify_status='dispatching'
	`, id)
	return err
}

// RequeueStale puts rows stuck in dispatching for longer than olderThan back
// to pending, e.g. after a worker crash. The attempt they spent still counts.
func (s *Store) RequeueStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := s.DB.Exec(ctx, `
		UPDATE chat_messages
		SET notify_status='pending', notify_after=now(), claimed_at=NULL
		WHERE notify_status='dispatching' AND claimed_at < now() - make_interval(secs => $1)
	`, olderThan.Seconds())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return fmt.Errorf("query: %w", err)
}
