package migrations

import (
	"strconv"

	"github.com/AvaProtocol/userop-sponsor/storage"
	"github.com/AvaProtocol/userop-sponsor/storage/schema"
)

// RebuildStatusCounters recounts the ct:<status> counters from the stored
// records. Every record except a rejected one was submitted first. A record
// that timed out before settling counts under its final status only.
func RebuildStatusCounters(db storage.Storage) (int, error) {
	records, err := loadOperations(db)
	if err != nil {
		return 0, err
	}

	counts := map[schema.OperationStatus]uint64{}
	for _, rec := range records {
		if rec.Status != schema.StatusRejected {
			counts[schema.StatusSubmitted]++
		}
		if rec.Status != schema.StatusSubmitted {
			counts[rec.Status]++
		}
	}

	updates := make(map[string][]byte, len(schema.Statuses))
	for _, status := range schema.Statuses {
		updates[string(schema.StatusCounterKey(status))] = []byte(strconv.FormatUint(counts[status], 10))
	}
	if err := db.BatchWrite(updates); err != nil {
		return 0, err
	}
	return len(records), nil
}
