// Package postgres implements the persistence gateway on PostgreSQL and
// publishes a change event for every committed row change.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/capitalize-ai/chatsync/internal/feed"
	"github.com/capitalize-ai/chatsync/internal/gateway"
	"github.com/capitalize-ai/chatsync/internal/model"
	"github.com/capitalize-ai/chatsync/pkg/logger"
)

//go:embed schema.sql
var schema string

const messageColumns = `id, conversation_id, sender_id, client_id, content, type, media,
	created_at, updated_at, is_edited, read_by, delivered_to`

// Store is a PostgreSQL gateway.
type Store struct {
	pool      *pgxpool.Pool
	publisher feed.Publisher
	logger    *logger.Logger
	direct    singleflight.Group
}

var _ gateway.Gateway = (*Store)(nil)

// Connect opens a pool and verifies it.
func Connect(ctx context.Context, url string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to db: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return pool, nil
}

// Migrate applies the embedded schema. It is safe to run repeatedly.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// NewStore creates a store publishing to publisher, which may be nil.
func NewStore(pool *pgxpool.Pool, publisher feed.Publisher, log *logger.Logger) *Store {
	return &Store{pool: pool, publisher: publisher, logger: log.Named("store.postgres")}
}

func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

func (s *Store) publish(ctx context.Context, events []model.ChangeEvent) {
	if s.publisher == nil || len(events) == 0 {
		return
	}
	if err := s.publisher.Publish(context.WithoutCancel(ctx), events...); err != nil {
		s.logger.Warn("failed to publish change events", zap.Int("events", len(events)), zap.Error(err))
	}
}

// ListConversations returns the viewer's conversations with derived unread counts.
func (s *Store) ListConversations(ctx context.Context, userID string) ([]model.ConversationSummary, error) {
	if userID == "" {
		return nil, model.ErrAuthenticationRequired
	}
	rows, err := s.pool.Query(ctx,
		`SELECT c.id, c.is_group, c.name, c.last_message, c.created_at, c.updated_at,
		        p.joined_at, p.last_read_at,
		        (SELECT array_agg(pp.user_id ORDER BY pp.joined_at, pp.user_id)
		           FROM participants pp WHERE pp.conversation_id = c.id),
		        (SELECT count(*) FROM messages m
		          WHERE m.conversation_id = c.id AND m.sender_id <> $1 AND m.created_at > p.last_read_at)
		   FROM participants p
		   JOIN conversations c ON c.id = p.conversation_id
		  WHERE p.user_id = $1
		  ORDER BY c.updated_at DESC, c.id`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("store.ListConversations query: %w", err)
	}
	defer rows.Close()

	out := make([]model.ConversationSummary, 0, 16)
	for rows.Next() {
		var cs model.ConversationSummary
		if err := rows.Scan(&cs.ID, &cs.IsGroup, &cs.Name, &cs.LastMessage, &cs.CreatedAt, &cs.UpdatedAt,
			&cs.ReadState.JoinedAt, &cs.ReadState.LastReadAt, &cs.ParticipantIDs, &cs.UnreadCount); err != nil {
			return nil, fmt.Errorf("store.ListConversations scan: %w", err)
		}
		cs.ReadState.ConversationID = cs.ID
		cs.ReadState.UserID = userID
		out = append(out, cs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store.ListConversations rows: %w", err)
	}
	return out, nil
}

// GetOrCreateDirectConversation relies on the unique direct_key; concurrent
// callers in this process are collapsed with singleflight.
func (s *Store) GetOrCreateDirectConversation(ctx context.Context, userID, otherUserID string) (model.Conversation, error) {
	if userID == "" {
		return model.Conversation{}, model.ErrAuthenticationRequired
	}
	candidate := model.Conversation{ParticipantIDs: []string{userID, otherUserID}}
	if err := candidate.Validate(); err != nil {
		return model.Conversation{}, err
	}
	key := model.PairKey(userID, otherUserID)

	v, err, _ := s.direct.Do(key, func() (any, error) {
		return s.getOrCreateDirect(ctx, key, userID, otherUserID)
	})
	if err != nil {
		return model.Conversation{}, err
	}
	return v.(model.Conversation), nil
}

func (s *Store) getOrCreateDirect(ctx context.Context, key, userID, otherUserID string) (model.Conversation, error) {
	ts := now()
	id := uuid.Must(uuid.NewV7()).String()

	var events []model.ChangeEvent
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`INSERT INTO conversations (id, is_group, direct_key, created_at, updated_at)
			 VALUES ($1, FALSE, $2, $3, $3) ON CONFLICT (direct_key) DO NOTHING`,
			id, key, ts,
		)
		if err != nil {
			return fmt.Errorf("insert conversation: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		for _, uid := range []string{userID, otherUserID} {
			if _, err := tx.Exec(ctx,
				`INSERT INTO participants (conversation_id, user_id, joined_at, last_read_at)
				 VALUES ($1, $2, $3, $3)`, id, uid, ts,
			); err != nil {
				return fmt.Errorf("insert participant: %w", err)
			}
			events = append(events, feed.ParticipantAdded(model.ParticipantState{
				ConversationID: id, UserID: uid, JoinedAt: ts, LastReadAt: ts,
			}, ts))
		}
		return nil
	})
	if err != nil {
		return model.Conversation{}, fmt.Errorf("store.GetOrCreateDirectConversation: %w", err)
	}
	s.publish(ctx, events)

	conv, err := s.conversationByDirectKey(ctx, key)
	if err != nil {
		return model.Conversation{}, err
	}
	return conv, nil
}

func (s *Store) conversationByDirectKey(ctx context.Context, key string) (model.Conversation, error) {
	var c model.Conversation
	err := s.pool.QueryRow(ctx,
		`SELECT c.id, c.is_group, c.name, c.last_message, c.created_at, c.updated_at,
		        (SELECT array_agg(p.user_id ORDER BY p.joined_at, p.user_id)
		           FROM participants p WHERE p.conversation_id = c.id)
		   FROM conversations c WHERE c.direct_key = $1`, key,
	).Scan(&c.ID, &c.IsGroup, &c.Name, &c.LastMessage, &c.CreatedAt, &c.UpdatedAt, &c.ParticipantIDs)
	if errors.Is(err, pgx.ErrNoRows) {
		return c, model.ErrNotFound
	}
	if err != nil {
		return c, fmt.Errorf("store.conversationByDirectKey: %w", err)
	}
	return c, nil
}

// memberIDs returns the participants of a conversation after checking userID is one of them.
func memberIDs(ctx context.Context, q interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}, conversationID, userID string) ([]string, error) {
	if userID == "" {
		return nil, model.ErrAuthenticationRequired
	}
	rows, err := q.Query(ctx,
		`SELECT p.user_id FROM conversations c
		   LEFT JOIN participants p ON p.conversation_id = c.id
		  WHERE c.id = $1`, conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("members query: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[*string])
	if err != nil {
		return nil, fmt.Errorf("members scan: %w", err)
	}
	if len(ids) == 0 {
		return nil, model.ErrNotFound
	}
	out := make([]string, 0, len(ids))
	member := false
	for _, id := range ids {
		if id == nil {
			continue
		}
		out = append(out, *id)
		member = member || *id == userID
	}
	if !member {
		return nil, model.ErrNotParticipant
	}
	return out, nil
}

// ListMessages returns the conversation's messages in total order.
func (s *Store) ListMessages(ctx context.Context, conversationID, userID string) ([]model.Message, error) {
	if _, err := memberIDs(ctx, s.pool, conversationID, userID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+messageColumns+` FROM messages
		  WHERE conversation_id = $1
		  ORDER BY created_at, id`, conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("store.ListMessages query: %w", err)
	}
	msgs, err := pgx.CollectRows(rows, scanMessage)
	if err != nil {
		return nil, fmt.Errorf("store.ListMessages scan: %w", err)
	}
	return msgs, nil
}

func scanMessage(row pgx.CollectableRow) (model.Message, error) {
	var m model.Message
	err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.ClientID, &m.Content, &m.Type, &m.Media,
		&m.CreatedAt, &m.UpdatedAt, &m.IsEdited, &m.ReadBy, &m.DeliveredTo)
	return m, err
}

// CreateMessage persists a message once per idempotency key and bumps the
// conversation's LastMessage and UpdatedAt in the same transaction.
func (s *Store) CreateMessage(ctx context.Context, in gateway.CreateMessageInput) (model.Message, error) {
	draft, err := model.Draft{Content: in.Content, Type: in.Type, Media: in.Media}.Normalize()
	if err != nil {
		return model.Message{}, err
	}

	var out model.Message
	var events []model.ChangeEvent
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		members, err := memberIDs(ctx, tx, in.ConversationID, in.SenderID)
		if err != nil {
			return err
		}
		if in.IdempotencyKey != "" {
			existing, err := existingByKey(ctx, tx, in)
			if err == nil {
				out = existing
				return nil
			}
			if !errors.Is(err, pgx.ErrNoRows) {
				return err
			}
		}

		ts := now()
		msg := model.NewOutgoing(in.ConversationID, in.SenderID, draft, ts)
		msg.ID = uuid.Must(uuid.NewV7()).String()
		msg.ClientID = in.IdempotencyKey

		tag, err := tx.Exec(ctx,
			`INSERT INTO messages (`+messageColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			 ON CONFLICT (conversation_id, sender_id, client_id) WHERE client_id <> '' DO NOTHING`,
			msg.ID, msg.ConversationID, msg.SenderID, msg.ClientID, msg.Content, msg.Type, msg.Media,
			msg.CreatedAt, msg.UpdatedAt, msg.IsEdited, msg.ReadBy, msg.DeliveredTo,
		)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		if tag.RowsAffected() == 0 {
			existing, err := existingByKey(ctx, tx, in)
			if err != nil {
				return err
			}
			out = existing
			return nil
		}

		if _, err := tx.Exec(ctx,
			`UPDATE conversations SET last_message = $2, updated_at = GREATEST(updated_at, $3) WHERE id = $1`,
			msg.ConversationID, model.PreviewOf(msg), ts,
		); err != nil {
			return fmt.Errorf("bump conversation: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE participants SET last_read_at = GREATEST(last_read_at, $3)
			  WHERE conversation_id = $1 AND user_id = $2`,
			msg.ConversationID, msg.SenderID, ts,
		); err != nil {
			return fmt.Errorf("advance sender cursor: %w", err)
		}
		out = msg
		events = feed.MessageInserted(msg, members, ts)
		return nil
	})
	if err != nil {
		return model.Message{}, wrap("store.CreateMessage", err)
	}
	s.publish(ctx, events)
	return out, nil
}

func existingByKey(ctx context.Context, tx pgx.Tx, in gateway.CreateMessageInput) (model.Message, error) {
	rows, err := tx.Query(ctx,
		`SELECT `+messageColumns+` FROM messages
		  WHERE conversation_id = $1 AND sender_id = $2 AND client_id = $3`,
		in.ConversationID, in.SenderID, in.IdempotencyKey,
	)
	if err != nil {
		return model.Message{}, fmt.Errorf("idempotency lookup: %w", err)
	}
	return pgx.CollectExactlyOneRow(rows, scanMessage)
}

// MarkRead stamps receipts on unread messages from others and advances the
// read cursor to the newest message.
func (s *Store) MarkRead(ctx context.Context, conversationID, userID string) (model.ReadReceipt, error) {
	ts := now()
	receipt := model.ReadReceipt{ConversationID: conversationID, UserID: userID, ReadAt: ts}

	var updated []model.Message
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := memberIDs(ctx, tx, conversationID, userID); err != nil {
			return err
		}
		rows, err := tx.Query(ctx,
			`UPDATE messages
			    SET read_by = read_by || jsonb_build_object($2::text, $3::timestamptz),
			        delivered_to = CASE WHEN delivered_to ? $2 THEN delivered_to
			                            ELSE delivered_to || jsonb_build_object($2::text, $3::timestamptz) END
			  WHERE conversation_id = $1 AND sender_id <> $2 AND NOT (read_by ? $2)
			  RETURNING `+messageColumns,
			conversationID, userID, ts,
		)
		if err != nil {
			return fmt.Errorf("stamp receipts: %w", err)
		}
		updated, err = pgx.CollectRows(rows, scanMessage)
		if err != nil {
			return fmt.Errorf("stamp receipts scan: %w", err)
		}

		return tx.QueryRow(ctx,
			`UPDATE participants
			    SET last_read_at = GREATEST(last_read_at,
			        COALESCE((SELECT max(created_at) FROM messages WHERE conversation_id = $1), last_read_at))
			  WHERE conversation_id = $1 AND user_id = $2
			  RETURNING last_read_at`,
			conversationID, userID,
		).Scan(&receipt.LastReadAt)
	})
	if err != nil {
		return model.ReadReceipt{}, wrap("store.MarkRead", err)
	}

	events := make([]model.ChangeEvent, 0, len(updated))
	for _, m := range updated {
		receipt.MessageIDs = append(receipt.MessageIDs, m.ID)
		events = append(events, feed.MessageUpdated(m, ts))
	}
	s.publish(ctx, events)
	return receipt, nil
}

// EditMessage changes the content of a message its sender owns.
func (s *Store) EditMessage(ctx context.Context, messageID, userID, content string) (model.Message, error) {
	ts := now()
	rows, err := s.pool.Query(ctx,
		`UPDATE messages SET content = $3, is_edited = TRUE, updated_at = $4
		  WHERE id = $1 AND sender_id = $2
		  RETURNING `+messageColumns,
		messageID, userID, content, ts,
	)
	if err != nil {
		return model.Message{}, fmt.Errorf("store.EditMessage: %w", err)
	}
	msg, err := pgx.CollectExactlyOneRow(rows, scanMessage)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Message{}, model.ErrNotFound
	}
	if err != nil {
		return model.Message{}, fmt.Errorf("store.EditMessage scan: %w", err)
	}
	s.publish(ctx, []model.ChangeEvent{feed.MessageUpdated(msg, ts)})
	return msg, nil
}

// wrap keeps domain errors recognisable through the transaction helper.
func wrap(op string, err error) error {
	switch {
	case errors.Is(err, model.ErrNotParticipant),
		errors.Is(err, model.ErrNotFound),
		errors.Is(err, model.ErrAuthenticationRequired):
		return err
	}
	return fmt.Errorf("%s: %w", op, err)
}
