package database

import (
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/puyokura/boardchat/model"
)

type Database struct {
	DB *sql.DB
}

func NewDatabase(dataSourceName string) (*Database, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}

	if err = db.Ping(); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ping sqlite")
	}

	return &Database{DB: db}, nil
}

func (d *Database) Init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL,
		message TEXT NOT NULL DEFAULT '',
		image_data TEXT NOT NULL DEFAULT '',
		timestamp TEXT NOT NULL DEFAULT ''
	);
	`
	if _, err := d.DB.Exec(schema); err != nil {
		return errors.Wrap(err, "init schema")
	}
	log.Debug().Msg("[database] schema initialized")
	return nil
}

func (d *Database) AddMessage(m model.Message) error {
	stmt, err := d.DB.Prepare("INSERT INTO messages(username, message, image_data, timestamp) VALUES(?, ?, ?, ?)")
	if err != nil {
		return errors.Wrap(err, "prepare insert")
	}
	defer stmt.Close()

	var ts string
	if !m.Timestamp.IsZero() {
		ts = m.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	_, err = stmt.Exec(m.Username, m.Message, m.ImageData, ts)
	return errors.Wrap(err, "insert message")
}

// GetMessageHistory returns the newest limit messages, oldest first.
// A limit of zero or less returns everything.
func (d *Database) GetMessageHistory(limit int) ([]model.Message, error) {
	query := "SELECT username, message, image_data, timestamp FROM messages ORDER BY id"
	args := []any{}
	if limit > 0 {
		query = "SELECT username, message, image_data, timestamp FROM " +
			"(SELECT id, username, message, image_data, timestamp FROM messages ORDER BY id DESC LIMIT ?) ORDER BY id"
		args = append(args, limit)
	}
	rows, err := d.DB.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query history")
	}
	defer rows.Close()

	messages := []model.Message{}
	for rows.Next() {
		var msg model.Message
		var ts string
		if err := rows.Scan(&msg.Username, &msg.Message, &msg.ImageData, &ts); err != nil {
			return nil, errors.Wrap(err, "scan message")
		}
		if t := model.ParseTime(ts); !t.IsZero() {
			msg.Timestamp = model.NewTimestamp(t)
		}
		messages = append(messages, msg)
	}

	return messages, errors.Wrap(rows.Err(), "iterate history")
}

func (d *Database) Close() error {
	return d.DB.Close()
}
