package remote

import (
	"database/sql"
	"errors"
	"fmt"

	"gitasahayak/internal/models"
)

// ErrMalformedRow reports a database row that cannot be turned into a
// session or message.
var ErrMalformedRow = errors.New("malformed history row")

type sessionRow struct {
	ID        sql.NullString
	Title     sql.NullString
	Timestamp sql.NullInt64
}

// messageRow columns are all nullable: a session without messages comes
// back from the LEFT JOIN with every message column NULL.
type messageRow struct {
	ID        sql.NullString
	Role      sql.NullString
	Text      sql.NullString
	AudioData sql.NullString
	Timestamp sql.NullInt64
}

type joinedRow struct {
	session sessionRow
	message messageRow
}

func (r joinedRow) decode() (models.Session, *models.Message, error) {
	if !r.session.ID.Valid || r.session.ID.String == "" {
		return models.Session{}, nil, fmt.Errorf("%w: session without id", ErrMalformedRow)
	}
	if !r.session.Timestamp.Valid {
		return models.Session{}, nil, fmt.Errorf("%w: session %s without timestamp", ErrMalformedRow, r.session.ID.String)
	}
	sess := models.Session{
		ID:        r.session.ID.String,
		Title:     r.session.Title.String,
		Timestamp: r.session.Timestamp.Int64,
		Messages:  []models.Message{},
	}
	if !r.session.Title.Valid {
		sess.Title = models.DefaultTitle
	}

	if !r.message.ID.Valid {
		return sess, nil, nil
	}
	msg := models.Message{
		ID:        r.message.ID.String,
		Role:      models.Role(r.message.Role.String),
		Text:      r.message.Text.String,
		AudioData: r.message.AudioData.String,
		Timestamp: r.message.Timestamp.Int64,
	}
	if err := msg.Validate(); err != nil {
		return models.Session{}, nil, fmt.Errorf("%w: session %s: %v", ErrMalformedRow, sess.ID, err)
	}
	if !r.message.Timestamp.Valid {
		return models.Session{}, nil, fmt.Errorf("%w: message %s without timestamp", ErrMalformedRow, msg.ID)
	}
	return sess, &msg, nil
}
