// Package database provides SQLite database operations for the application
package database

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"downtube/pkg/models"

	_ "modernc.org/sqlite"
)

var (
	// ErrVideoNotFound is returned when no video matches the lookup
	ErrVideoNotFound = errors.New("video not found")
	// ErrDuplicateVideo is returned when a source or stream URL is already stored
	ErrDuplicateVideo = errors.New("video already exists")
)

// DB wraps the SQLite database connection
type DB struct {
	conn   *sql.DB
	logger *slog.Logger

	// mu serialises writes so that change positions are computed against a stable ordering
	mu     sync.Mutex
	subsMu sync.RWMutex
	subs   map[int]chan models.VideoChange
	nextID int
}

// New creates a new database connection and initializes the schema
func New(dbPath string) (*DB, error) {
	// Add connection parameters to help with concurrent access
	connString := dbPath
	if dbPath != ":memory:" {
		connString = dbPath + "?_busy_timeout=30000&_journal_mode=WAL&_synchronous=NORMAL"
	}

	conn, err := sql.Open("sqlite", connString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Set connection pool settings
	conn.SetMaxOpenConns(1) // SQLite doesn't handle concurrent writes well
	conn.SetMaxIdleConns(1)

	db := &DB{
		conn:   conn,
		logger: slog.Default(),
		subs:   make(map[int]chan models.VideoChange),
	}

	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// Close closes the database connection and all change subscriptions
func (db *DB) Close() error {
	db.subsMu.Lock()
	for id, ch := range db.subs {
		close(ch)
		delete(db.subs, id)
	}
	db.subsMu.Unlock()

	return db.conn.Close()
}

// initSchema creates the necessary tables
func (db *DB) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS videos (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		source_url TEXT NOT NULL UNIQUE,
		stream_url TEXT UNIQUE,
		title TEXT,
		created_at DATETIME NOT NULL,
		watch_state TEXT NOT NULL DEFAULT 'unwatched',
		watch_seconds INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_videos_created_at ON videos(created_at);

	CREATE TABLE IF NOT EXISTS pending_urls (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		url TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);
	`

	_, err := db.conn.Exec(schema)
	return err
}

const videoColumns = `id, source_url, stream_url, title, created_at, watch_state, watch_seconds`

// orderClause is the single ordering of the video list; positions reported to
// subscribers and by IndexOf* are relative to it.
const orderClause = `ORDER BY created_at DESC, id DESC`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVideo(row rowScanner) (*models.Video, error) {
	var (
		video     models.Video
		streamURL sql.NullString
		title     sql.NullString
		state     string
		seconds   int
	)
	err := row.Scan(&video.ID, &video.SourceURL, &streamURL, &title, &video.CreatedAt, &state, &seconds)
	if err != nil {
		return nil, err
	}

	video.StreamURL = streamURL.String
	video.Title = title.String
	video.WatchProgress = models.WatchProgress{State: models.WatchState(state)}
	if video.WatchProgress.State == models.WatchPartiallyWatched {
		video.WatchProgress.Seconds = seconds
	}

	return &video, nil
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// CreateVideo creates a new video record and publishes an insert change
func (db *DB) CreateVideo(video *models.Video) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if video.CreatedAt.IsZero() {
		video.CreatedAt = time.Now()
	}
	// Stored in UTC so that the textual column sorts chronologically
	video.CreatedAt = video.CreatedAt.UTC()
	if !video.WatchProgress.IsValid() {
		video.WatchProgress = models.Unwatched()
	}

	query := `
	INSERT INTO videos (source_url, stream_url, title, created_at, watch_state, watch_seconds)
	VALUES (?, ?, ?, ?, ?, ?)
	`

	result, err := db.conn.Exec(query,
		video.SourceURL, nullableString(video.StreamURL), nullableString(video.Title),
		video.CreatedAt, string(video.WatchProgress.State), video.WatchProgress.Seconds,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("failed to create video: %w", ErrDuplicateVideo)
		}
		return fmt.Errorf("failed to create video: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	video.ID = id

	newIndex, err := db.indexOfVideoLocked(id)
	if err != nil {
		db.logger.Warn("Failed to compute position of new video", "video_id", id, "error", err)
		return nil
	}
	db.publish(models.VideoChange{Type: models.ChangeInsert, VideoID: id, OldIndex: -1, NewIndex: newIndex})

	return nil
}

// GetVideo retrieves a video by ID
func (db *DB) GetVideo(id int64) (*models.Video, error) {
	query := `SELECT ` + videoColumns + ` FROM videos WHERE id = ?`
	return db.getOne(query, id)
}

// GetVideoBySourceURL retrieves a video by its user supplied URL
func (db *DB) GetVideoBySourceURL(sourceURL string) (*models.Video, error) {
	query := `SELECT ` + videoColumns + ` FROM videos WHERE source_url = ?`
	return db.getOne(query, sourceURL)
}

// GetVideoByStreamURL retrieves a video by its resolved stream URL
func (db *DB) GetVideoByStreamURL(streamURL string) (*models.Video, error) {
	if streamURL == "" {
		return nil, ErrVideoNotFound
	}
	query := `SELECT ` + videoColumns + ` FROM videos WHERE stream_url = ?`
	return db.getOne(query, streamURL)
}

func (db *DB) getOne(query string, arg any) (*models.Video, error) {
	video, err := scanVideo(db.conn.QueryRow(query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrVideoNotFound
		}
		return nil, fmt.Errorf("failed to get video: %w", err)
	}
	return video, nil
}

// UpdateVideo updates the mutable fields of a video record
func (db *DB) UpdateVideo(video *models.Video) error {
	if !video.WatchProgress.IsValid() {
		return fmt.Errorf("invalid watch progress %q", video.WatchProgress.String())
	}

	query := `
	UPDATE videos SET
		stream_url = ?, title = ?, watch_state = ?, watch_seconds = ?
	WHERE id = ?
	`

	return db.update(video.ID, query,
		nullableString(video.StreamURL), nullableString(video.Title),
		string(video.WatchProgress.State), video.WatchProgress.Seconds, video.ID,
	)
}

// UpdateWatchProgress persists only the watch progress of a video
func (db *DB) UpdateWatchProgress(id int64, progress models.WatchProgress) error {
	if !progress.IsValid() {
		return fmt.Errorf("invalid watch progress %q", progress.String())
	}

	query := `UPDATE videos SET watch_state = ?, watch_seconds = ? WHERE id = ?`
	return db.update(id, query, string(progress.State), progress.Seconds, id)
}

func (db *DB) update(id int64, query string, args ...any) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	oldIndex, err := db.indexOfVideoLocked(id)
	if err != nil {
		return fmt.Errorf("failed to update video: %w", err)
	}
	if oldIndex < 0 {
		return ErrVideoNotFound
	}

	if _, err := db.conn.Exec(query, args...); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("failed to update video: %w", ErrDuplicateVideo)
		}
		return fmt.Errorf("failed to update video: %w", err)
	}

	newIndex, err := db.indexOfVideoLocked(id)
	if err != nil {
		db.logger.Warn("Failed to compute position of updated video", "video_id", id, "error", err)
		return nil
	}

	change := models.VideoChange{Type: models.ChangeUpdate, VideoID: id, OldIndex: oldIndex, NewIndex: newIndex}
	if oldIndex != newIndex {
		change.Type = models.ChangeMove
	}
	db.publish(change)

	return nil
}

// DeleteVideo deletes a video record and publishes a delete change
func (db *DB) DeleteVideo(id int64) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	oldIndex, err := db.indexOfVideoLocked(id)
	if err != nil {
		return fmt.Errorf("failed to delete video: %w", err)
	}
	if oldIndex < 0 {
		return ErrVideoNotFound
	}

	if _, err := db.conn.Exec(`DELETE FROM videos WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete video: %w", err)
	}

	db.publish(models.VideoChange{Type: models.ChangeDelete, VideoID: id, OldIndex: oldIndex, NewIndex: -1})
	return nil
}

// ListVideos retrieves all videos, newest first
func (db *DB) ListVideos() ([]*models.Video, error) {
	return db.list(`SELECT ` + videoColumns + ` FROM videos ` + orderClause)
}

// ListUnresolvedVideos retrieves videos that never received a stream URL
func (db *DB) ListUnresolvedVideos() ([]*models.Video, error) {
	return db.list(`SELECT ` + videoColumns + ` FROM videos WHERE stream_url IS NULL OR stream_url = '' ` + orderClause)
}

func (db *DB) list(query string, args ...any) ([]*models.Video, error) {
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list videos: %w", err)
	}
	defer rows.Close()

	var videos []*models.Video
	for rows.Next() {
		video, err := scanVideo(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan video: %w", err)
		}
		videos = append(videos, video)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate videos: %w", err)
	}

	return videos, nil
}

// IndexOfVideo returns the current position of a video in the ordered list, or -1
func (db *DB) IndexOfVideo(id int64) (int, error) {
	return db.indexOfVideoLocked(id)
}

// IndexOfStreamURL returns the current position of the video owning streamURL, or -1
func (db *DB) IndexOfStreamURL(streamURL string) (int, error) {
	if streamURL == "" {
		return -1, nil
	}

	rows, err := db.conn.Query(`SELECT stream_url FROM videos ` + orderClause)
	if err != nil {
		return -1, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	index := 0
	for rows.Next() {
		var candidate sql.NullString
		if err := rows.Scan(&candidate); err != nil {
			return -1, fmt.Errorf("failed to scan position: %w", err)
		}
		if candidate.Valid && candidate.String == streamURL {
			return index, nil
		}
		index++
	}

	return -1, rows.Err()
}

// indexOfVideoLocked does not take db.mu; reads are safe on the single connection
func (db *DB) indexOfVideoLocked(id int64) (int, error) {
	rows, err := db.conn.Query(`SELECT id FROM videos ` + orderClause)
	if err != nil {
		return -1, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	index := 0
	for rows.Next() {
		var candidate int64
		if err := rows.Scan(&candidate); err != nil {
			return -1, fmt.Errorf("failed to scan position: %w", err)
		}
		if candidate == id {
			return index, nil
		}
		index++
	}

	return -1, rows.Err()
}
