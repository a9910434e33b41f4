package database

import (
	"downtube/pkg/models"
)

// Subscribe registers a listener for row-level changes of the ordered video list.
// The returned function unsubscribes and closes the channel. Slow listeners lose
// events once their buffer is full rather than stalling writers.
func (db *DB) Subscribe(buffer int) (<-chan models.VideoChange, func()) {
	if buffer < 1 {
		buffer = 1
	}

	ch := make(chan models.VideoChange, buffer)

	db.subsMu.Lock()
	id := db.nextID
	db.nextID++
	db.subs[id] = ch
	db.subsMu.Unlock()

	unsubscribe := func() {
		db.subsMu.Lock()
		defer db.subsMu.Unlock()
		if existing, ok := db.subs[id]; ok {
			delete(db.subs, id)
			close(existing)
		}
	}

	return ch, unsubscribe
}

func (db *DB) publish(change models.VideoChange) {
	db.subsMu.RLock()
	defer db.subsMu.RUnlock()

	for id, ch := range db.subs {
		select {
		case ch <- change:
		default:
			db.logger.Warn("Dropping video change for slow subscriber",
				"subscriber", id,
				"type", change.Type,
				"video_id", change.VideoID)
		}
	}
}
