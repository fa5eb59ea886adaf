package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/userop-sponsor/storage/schema"
)

var sender = common.HexToAddress("0x7c3a76086588230c7B3f4839A4c1F5BBafcd57C6")

func newTestDB(t *testing.T) Storage {
	db, err := NewWithPath(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func record(i int) *schema.OperationRecord {
	return &schema.OperationRecord{
		BuildID:    ulid.Make().String(),
		UserOpHash: crypto.Keccak256Hash([]byte(fmt.Sprintf("op-%d", i))).Hex(),
		Sender:     sender.Hex(),
		Nonce:      fmt.Sprint(i),
		Status:     schema.StatusSubmitted,
	}
}

func TestJournalRecordAndGet(t *testing.T) {
	j := NewJournal(newTestDB(t), nil)
	rec := record(1)
	require.NoError(t, j.Record(rec))

	got, err := j.Get(common.HexToHash(rec.UserOpHash))
	require.NoError(t, err)
	assert.Equal(t, rec.BuildID, got.BuildID)
	assert.Equal(t, schema.StatusSubmitted, got.Status)
	assert.NotZero(t, got.CreatedAt)

	count, err := j.Count(schema.StatusSubmitted)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), count)
}

func TestJournalGetUnknown(t *testing.T) {
	j := NewJournal(newTestDB(t), nil)
	_, err := j.Get(common.HexToHash("0xabc"))
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestJournalRejectsIncompleteRecord(t *testing.T) {
	j := NewJournal(newTestDB(t), nil)
	assert.Error(t, j.Record(&schema.OperationRecord{Sender: sender.Hex()}))
}

func TestJournalUpdateStatus(t *testing.T) {
	j := NewJournal(newTestDB(t), nil)
	rec := record(1)
	require.NoError(t, j.Record(rec))
	hash := common.HexToHash(rec.UserOpHash)

	updated, err := j.UpdateStatus(hash, schema.StatusTimeout, "", "")
	require.NoError(t, err)
	assert.Equal(t, schema.StatusTimeout, updated.Status)

	updated, err = j.UpdateStatus(hash, schema.StatusSuccess, "0xfeed", "")
	require.NoError(t, err)
	assert.Equal(t, schema.StatusSuccess, updated.Status)
	assert.Equal(t, "0xfeed", updated.TransactionHash)

	// final statuses stick
	updated, err = j.UpdateStatus(hash, schema.StatusReverted, "", "late")
	require.NoError(t, err)
	assert.Equal(t, schema.StatusSuccess, updated.Status)

	stored, err := j.Get(hash)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusSuccess, stored.Status)

	count, err := j.Count(schema.StatusReverted)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), count)
}

func TestJournalHistoryNewestFirst(t *testing.T) {
	j := NewJournal(newTestDB(t), nil)
	for i := 0; i < 5; i++ {
		require.NoError(t, j.Record(record(i)))
		// distinct ULID milliseconds keep the order deterministic
		time.Sleep(2 * time.Millisecond)
	}
	other := record(99)
	other.Sender = "0x0000000000000000000000000000000000000001"
	require.NoError(t, j.Record(other))

	all, err := j.History(sender, 0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, "4", all[0].Nonce)
	assert.Equal(t, "0", all[4].Nonce)

	latest, err := j.History(sender, 2)
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, "4", latest[0].Nonce)
	assert.Equal(t, "3", latest[1].Nonce)
}

func TestBadgerStorageBasics(t *testing.T) {
	db, err := New(&Config{InMemory: true})
	require.NoError(t, err)
	defer db.Close()

	ok, err := db.Exist([]byte("k"))
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, db.BatchWrite(map[string][]byte{"p:1": []byte("a"), "p:2": []byte("b"), "q:1": []byte("c")}))
	n, err := db.CountKeysByPrefix([]byte("p:"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	require.NoError(t, db.BatchWrite(map[string][]byte{"p:1": nil}))
	items, err := db.GetByPrefix([]byte("p:"))
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "b", string(items[0].Value))

	v, err := db.IncCounter([]byte("c"), 10)
	require.NoError(t, err)
	assert.Equal(t, uint64(11), v)
	v, err = db.GetCounter([]byte("c"))
	require.NoError(t, err)
	assert.Equal(t, uint64(11), v)

	_, err = db.GetCounter([]byte("missing"))
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestBadgerStorageBackupAndLoad(t *testing.T) {
	src := newTestDB(t)
	require.NoError(t, src.Set([]byte("op:1"), []byte("one")))
	_, err := src.IncCounter([]byte("ct:submitted"))
	require.NoError(t, err)

	var buf bytes.Buffer
	version, err := src.Backup(context.Background(), &buf, 0)
	require.NoError(t, err)
	assert.NotZero(t, version)

	dst, err := New(&Config{InMemory: true})
	require.NoError(t, err)
	defer dst.Close()
	require.NoError(t, dst.Load(context.Background(), &buf))

	v, err := dst.GetKey([]byte("op:1"))
	require.NoError(t, err)
	assert.Equal(t, "one", string(v))
	n, err := dst.GetCounter([]byte("ct:submitted"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)
}

func TestBadgerStorageDbPath(t *testing.T) {
	dir := t.TempDir()
	db, err := NewWithPath(dir)
	require.NoError(t, err)
	defer db.Close()
	assert.Equal(t, dir, db.DbPath())

	mem, err := New(&Config{InMemory: true})
	require.NoError(t, err)
	defer mem.Close()
	assert.Empty(t, mem.DbPath())
}

func TestBadgerStorageBackupHonoursCancel(t *testing.T) {
	db := newTestDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := db.Backup(ctx, &bytes.Buffer{}, 0)
	assert.ErrorIs(t, err, context.Canceled)
}
