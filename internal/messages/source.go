// Package messages reads records from the macOS Messages database (chat.db).
package messages

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"path/filepath"
	"strconv"
	"time"

	// SQLite driver.
	_ "modernc.org/sqlite"

	"github.com/blackmichael/imessage-bluesky/internal/domain"
	"github.com/blackmichael/imessage-bluesky/internal/media"
)

// appleEpoch is the reference date of chat.db timestamps.
var appleEpoch = time.Date(2001, time.January, 1, 0, 0, 0, 0, time.UTC)

// Source implements domain.RecordSource on a read-only chat.db connection.
type Source struct {
	db     *sql.DB
	fromMe bool
}

// Open connects to the chat.db at path in read-only mode and verifies the
// connection. fromMe selects messages sent by the local account instead of
// those received from the contact. The caller should call Close when done.
func Open(path string, fromMe bool) (*Source, error) {
	dsn, err := readOnlyDSN(path)
	if err != nil {
		return nil, fmt.Errorf("open chat database: %w", err)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open chat database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping chat database: %w", err)
	}

	// Messages.app holds the write lock; one reader is plenty.
	db.SetMaxOpenConns(1)

	return &Source{db: db, fromMe: fromMe}, nil
}

// readOnlyDSN builds a file: URI for path with its special characters escaped.
func readOnlyDSN(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", path, err)
	}

	values := url.Values{}
	values.Set("mode", "ro")
	values.Add("_pragma", "busy_timeout(5000)")
	values.Add("_pragma", "query_only(1)")

	u := url.URL{Scheme: "file", Path: filepath.ToSlash(abs), RawQuery: values.Encode()}
	return u.String(), nil
}

// Close closes the underlying database connection.
func (s *Source) Close() error {
	return s.db.Close()
}

// Ping checks that the database is still reachable.
func (s *Source) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// FetchRecent returns up to limit of the most recent ordinary messages
// exchanged with contact, newest first. Reactions and other associated
// messages are excluded.
func (s *Source) FetchRecent(ctx context.Context, contact string, limit int) ([]domain.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.ROWID, m.text, m.attributedBody, m.date
		FROM message m
		JOIN handle h ON m.handle_id = h.ROWID
		WHERE h.id = ?
			AND m.is_from_me = ?
			AND COALESCE(m.associated_message_type, 0) = 0
		ORDER BY m.ROWID DESC
		LIMIT ?`,
		contact, boolToInt(s.fromMe), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query messages (contact=%s, limit=%d): %w", contact, limit, err)
	}
	defer rows.Close()

	var (
		records []domain.Record
		rowIDs  []int64
	)
	for rows.Next() {
		var (
			rowID   int64
			text    sql.NullString
			body    []byte
			rawDate sql.NullInt64
		)
		if err := rows.Scan(&rowID, &text, &body, &rawDate); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}

		msgText := text.String
		if !text.Valid || msgText == "" {
			msgText = decodeAttributedBody(body)
		}

		records = append(records, domain.Record{
			ID:        strconv.FormatInt(rowID, 10),
			Text:      msgText,
			CreatedAt: appleTime(rawDate.Int64),
		})
		rowIDs = append(rowIDs, rowID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	rows.Close()

	for i, id := range rowIDs {
		atts, err := s.attachments(ctx, id)
		if err != nil {
			return nil, err
		}
		records[i].Attachments = atts
	}

	return records, nil
}

func (s *Source) attachments(ctx context.Context, messageID int64) ([]domain.Attachment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.filename, a.mime_type
		FROM attachment a
		JOIN message_attachment_join j ON j.attachment_id = a.ROWID
		WHERE j.message_id = ?
		ORDER BY a.ROWID`,
		messageID,
	)
	if err != nil {
		return nil, fmt.Errorf("query attachments (message=%d): %w", messageID, err)
	}
	defer rows.Close()

	var atts []domain.Attachment
	for rows.Next() {
		var filename, mimeType sql.NullString
		if err := rows.Scan(&filename, &mimeType); err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		atts = append(atts, domain.Attachment{
			Path:     filename.String,
			Kind:     media.KindOf(filename.String, mimeType.String),
			MimeType: mimeType.String,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attachments: %w", err)
	}
	return atts, nil
}

// appleTime converts a chat.db date. Older databases store seconds since
// 2001-01-01, newer ones nanoseconds.
func appleTime(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	if v > 1_000_000_000_000 {
		return appleEpoch.Add(time.Duration(v))
	}
	return appleEpoch.Add(time.Duration(v) * time.Second)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
