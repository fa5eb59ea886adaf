package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/userop-sponsor/pkg/logger"
	"github.com/AvaProtocol/userop-sponsor/storage/schema"
)

// Journal keeps a record of every operation submitted to the bundler.
type Journal struct {
	db     Storage
	now    func() time.Time
	logger sdklogging.Logger
}

func NewJournal(db Storage, log sdklogging.Logger) *Journal {
	return &Journal{db: db, now: time.Now, logger: logger.EnsureLogger(log)}
}

// Record stores rec and indexes it under its sender.
func (j *Journal) Record(rec *schema.OperationRecord) error {
	if rec.UserOpHash == "" || rec.BuildID == "" {
		return fmt.Errorf("journal record needs a userOpHash and a build id")
	}
	now := j.now().Unix()
	if rec.CreatedAt == 0 {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	hash := common.HexToHash(rec.UserOpHash)
	opKey := schema.OperationStorageKey(hash)
	senderKey := schema.SenderOperationKey(common.HexToAddress(rec.Sender), rec.BuildID)
	err = j.db.BatchWrite(map[string][]byte{
		string(opKey):     data,
		string(senderKey): hash.Bytes(),
	})
	if err != nil {
		return fmt.Errorf("write journal record: %w", err)
	}

	j.count(rec.Status)
	j.logger.Debug("journaled operation", "userOpHash", rec.UserOpHash, "status", rec.Status)
	return nil
}

// Get returns ErrNotFound for unknown hashes.
func (j *Journal) Get(hash common.Hash) (*schema.OperationRecord, error) {
	data, err := j.db.GetKey(schema.OperationStorageKey(hash))
	if err != nil {
		return nil, err
	}

	var rec schema.OperationRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode journal record %s: %w", hash.Hex(), err)
	}
	return &rec, nil
}

// UpdateStatus moves a record to status. A final status is never overwritten.
func (j *Journal) UpdateStatus(hash common.Hash, status schema.OperationStatus, txHash string, reason string) (*schema.OperationRecord, error) {
	rec, err := j.Get(hash)
	if err != nil {
		return nil, err
	}
	if rec.Status.Final() || (rec.Status == status && txHash == "" && reason == "") {
		return rec, nil
	}

	rec.Status = status
	if txHash != "" {
		rec.TransactionHash = txHash
	}
	rec.Error = reason
	rec.UpdatedAt = j.now().Unix()

	data, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	if err := j.db.Set(schema.OperationStorageKey(hash), data); err != nil {
		return nil, err
	}
	j.count(status)
	return rec, nil
}

// History returns the sender's most recent operations, newest first. A limit
// of zero or less returns everything.
func (j *Journal) History(sender common.Address, limit int) ([]*schema.OperationRecord, error) {
	items, err := j.db.GetByPrefix(schema.SenderOperationPrefix(sender))
	if err != nil {
		return nil, err
	}

	var records []*schema.OperationRecord
	for i := len(items) - 1; i >= 0; i-- {
		if limit > 0 && len(records) >= limit {
			break
		}
		rec, err := j.Get(common.BytesToHash(items[i].Value))
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// Count returns how many operations entered status.
func (j *Journal) Count(status schema.OperationStatus) (uint64, error) {
	return j.db.GetCounter(schema.StatusCounterKey(status), 0)
}

func (j *Journal) count(status schema.OperationStatus) {
	if _, err := j.db.IncCounter(schema.StatusCounterKey(status)); err != nil {
		j.logger.Warn("failed to bump journal counter", "status", status, "error", err)
	}
}
