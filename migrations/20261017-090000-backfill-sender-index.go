package migrations

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/userop-sponsor/storage"
	"github.com/AvaProtocol/userop-sponsor/storage/schema"
)

func loadOperations(db storage.Storage) ([]*schema.OperationRecord, error) {
	items, err := db.GetByPrefix(schema.OperationPrefix())
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}

	records := make([]*schema.OperationRecord, 0, len(items))
	for _, item := range items {
		var rec schema.OperationRecord
		if err := json.Unmarshal(item.Value, &rec); err != nil {
			return nil, fmt.Errorf("decode %s: %w", item.Key, err)
		}
		records = append(records, &rec)
	}
	return records, nil
}

// BackfillSenderIndex writes the s:<sender>:<buildID> entry for every
// operation record that lacks one, so History sees journals written before
// the index existed.
func BackfillSenderIndex(db storage.Storage) (int, error) {
	records, err := loadOperations(db)
	if err != nil {
		return 0, err
	}

	updates := map[string][]byte{}
	for _, rec := range records {
		if rec.BuildID == "" || !common.IsHexAddress(rec.Sender) {
			continue
		}
		key := schema.SenderOperationKey(common.HexToAddress(rec.Sender), rec.BuildID)
		exists, err := db.Exist(key)
		if err != nil {
			return 0, err
		}
		if !exists {
			updates[string(key)] = common.HexToHash(rec.UserOpHash).Bytes()
		}
	}

	if len(updates) == 0 {
		return 0, nil
	}
	if err := db.BatchWrite(updates); err != nil {
		return 0, fmt.Errorf("write sender index: %w", err)
	}
	return len(updates), nil
}
