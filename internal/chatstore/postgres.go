package chatstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Postgres is the PostgreSQL-backed implementation of Store.
type Postgres struct {
	db *sql.DB
}

// Open connects to PostgreSQL with the given DSN, verifies the connection,
// and runs any pending schema migrations.
func Open(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("chatstore: open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("chatstore: postgres ping: %w", err)
	}
	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Postgres{db: db}, nil
}

// runMigrations applies the embedded schema migrations.
func runMigrations(db *sql.DB) error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("chatstore: load migrations: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("chatstore: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("chatstore: migrate init: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("chatstore: migrate up: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (p *Postgres) Close() error {
	return p.db.Close()
}

const chatColumns = `id, project_id, operator_id, participant_id, active, last_activity_at, created_at`

func scanChat(row interface{ Scan(...interface{}) error }) (*Chat, error) {
	var c Chat
	err := row.Scan(&c.ID, &c.ProjectID, &c.OperatorID, &c.ParticipantID,
		&c.Active, &c.LastActivityAt, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// FindChatByID returns the chat with the given id, or nil if absent.
func (p *Postgres) FindChatByID(ctx context.Context, chatID string) (*Chat, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+chatColumns+` FROM chats WHERE id = $1
	`, chatID)
	c, err := scanChat(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("chatstore: find chat %s: %w", chatID, err)
	}
	return c, nil
}

// FindChatByParticipants returns the chat between an operator and a
// participant, or nil if none exists.
func (p *Postgres) FindChatByParticipants(ctx context.Context, operatorID, participantID string) (*Chat, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+chatColumns+` FROM chats
		WHERE operator_id = $1 AND participant_id = $2
	`, operatorID, participantID)
	c, err := scanChat(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("chatstore: find chat by participants: %w", err)
	}
	return c, nil
}

func (p *Postgres) listChats(ctx context.Context, query string, args ...interface{}) ([]Chat, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chats []Chat
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			return nil, err
		}
		chats = append(chats, *c)
	}
	return chats, rows.Err()
}

// ListChatsForUser returns every chat the user is a party to.
func (p *Postgres) ListChatsForUser(ctx context.Context, userID string) ([]Chat, error) {
	chats, err := p.listChats(ctx, `
		SELECT `+chatColumns+` FROM chats
		WHERE operator_id = $1 OR participant_id = $1
		ORDER BY last_activity_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("chatstore: list chats for %s: %w", userID, err)
	}
	return chats, nil
}

// ListChatsForUserInProject is ListChatsForUser narrowed to one project.
func (p *Postgres) ListChatsForUserInProject(ctx context.Context, userID, projectID string) ([]Chat, error) {
	chats, err := p.listChats(ctx, `
		SELECT `+chatColumns+` FROM chats
		WHERE (operator_id = $1 OR participant_id = $1) AND project_id = $2
		ORDER BY last_activity_at DESC
	`, userID, projectID)
	if err != nil {
		return nil, fmt.Errorf("chatstore: list chats for %s in project %s: %w", userID, projectID, err)
	}
	return chats, nil
}

// CreateMessage persists a new message. The id, timestamp, and read flag are
// assigned here; the returned record reflects what was stored.
func (p *Postgres) CreateMessage(ctx context.Context, in *NewMessage) (*Message, error) {
	msg := &Message{
		ID:       uuid.New().String(),
		ChatID:   in.ChatID,
		SenderID: in.SenderID,
		Content:  in.Content,
		Type:     in.Type,
		FileURL:  in.FileURL,
		FileName: in.FileName,
		MimeType: in.MimeType,
	}

	err := p.db.QueryRowContext(ctx, `
		INSERT INTO messages (id, chat_id, sender_id, content, msg_type, file_url, file_name, mime_type)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`, msg.ID, msg.ChatID, msg.SenderID, msg.Content, msg.Type,
		msg.FileURL, msg.FileName, msg.MimeType).Scan(&msg.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("chatstore: create message in chat %s: %w", in.ChatID, err)
	}
	return msg, nil
}

// CountRecentMessagesBySender counts messages the user sent within the
// trailing window, across all chats.
func (p *Postgres) CountRecentMessagesBySender(ctx context.Context, userID string, window time.Duration) (int, error) {
	var count int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages
		WHERE sender_id = $1 AND created_at >= now() - ($2 * interval '1 second')
	`, userID, window.Seconds()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("chatstore: count recent messages for %s: %w", userID, err)
	}
	return count, nil
}

// GetUnreadCount counts unread messages in the chat addressed to userID.
func (p *Postgres) GetUnreadCount(ctx context.Context, chatID, userID string) (int, error) {
	var count int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages
		WHERE chat_id = $1 AND sender_id <> $2 AND NOT read
	`, chatID, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("chatstore: unread count chat=%s user=%s: %w", chatID, userID, err)
	}
	return count, nil
}

// MarkChatRead marks every message in the chat not sent by userID as read.
func (p *Postgres) MarkChatRead(ctx context.Context, chatID, userID string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE messages SET read = TRUE
		WHERE chat_id = $1 AND sender_id <> $2 AND NOT read
	`, chatID, userID)
	if err != nil {
		return fmt.Errorf("chatstore: mark read chat=%s user=%s: %w", chatID, userID, err)
	}
	return nil
}

// TouchChat bumps the chat's last-activity marker.
func (p *Postgres) TouchChat(ctx context.Context, chatID string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE chats SET last_activity_at = now() WHERE id = $1
	`, chatID)
	if err != nil {
		return fmt.Errorf("chatstore: touch chat %s: %w", chatID, err)
	}
	return nil
}

// ResolveParticipantUserID maps an external participant id scoped to a
// project onto the internal user id. Returns "" if the pair is unknown.
func (p *Postgres) ResolveParticipantUserID(ctx context.Context, externalParticipantID, projectID string) (string, error) {
	var userID string
	err := p.db.QueryRowContext(ctx, `
		SELECT user_id FROM participants
		WHERE external_id = $1 AND project_id = $2
	`, externalParticipantID, projectID).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("chatstore: resolve participant %s/%s: %w", projectID, externalParticipantID, err)
	}
	return userID, nil
}
