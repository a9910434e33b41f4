package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrQueueEmpty is returned when no pending URL is waiting
var ErrQueueEmpty = errors.New("pending url queue is empty")

// AppendPendingURL adds a source URL to the end of the inbound queue
func (db *DB) AppendPendingURL(url string) error {
	_, err := db.conn.Exec(`INSERT INTO pending_urls (url, created_at) VALUES (?, ?)`, url, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to append pending url: %w", err)
	}
	return nil
}

// TakePendingURLs returns every pending URL, oldest first, and clears the queue
func (db *DB) TakePendingURLs() ([]string, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`SELECT url FROM pending_urls ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to get pending urls: %w", err)
	}

	var urls []string
	for rows.Next() {
		var url string
		if err := rows.Scan(&url); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan pending url: %w", err)
		}
		urls = append(urls, url)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate pending urls: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM pending_urls`); err != nil {
		return nil, fmt.Errorf("failed to clear pending urls: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit pending url drain: %w", err)
	}

	return urls, nil
}

// TakeLatestPendingURL removes and returns only the most recently appended URL
func (db *DB) TakeLatestPendingURL() (string, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var (
		id  int64
		url string
	)
	err = tx.QueryRow(`SELECT id, url FROM pending_urls ORDER BY id DESC LIMIT 1`).Scan(&id, &url)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrQueueEmpty
		}
		return "", fmt.Errorf("failed to get latest pending url: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM pending_urls WHERE id = ?`, id); err != nil {
		return "", fmt.Errorf("failed to remove pending url: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit pending url removal: %w", err)
	}

	return url, nil
}

// CountPendingURLs returns the number of queued URLs
func (db *DB) CountPendingURLs() (int, error) {
	var count int
	if err := db.conn.QueryRow(`SELECT COUNT(*) FROM pending_urls`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count pending urls: %w", err)
	}
	return count, nil
}
