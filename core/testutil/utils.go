package testutil

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"testing"
	"time"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/allegro/bigcache/v3"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/AvaProtocol/userop-sponsor/storage"
)

const (
	// Throwaway keys, never funded anywhere.
	OwnerKeyHex     = "0xe90d75baafee04b3d9941bd8d76abe799b391aec596515dee11a9bd55f05709c"
	PaymasterKeyHex = "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

	ChainID = 11155111
)

var (
	EntryPoint    = common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789")
	Factory       = common.HexToAddress("0x9406Cc6185a346906296840746125a0E44976454")
	SmartAccount  = common.HexToAddress("0x7c3a76086588230c7B3f4839A4c1F5BBafcd57C6")
	PaymasterAddr = common.HexToAddress("0xB985af5f96EF2722DC99aEBA573520903B86505e")
	Recipient     = common.HexToAddress("0x036CbD53842c5426634e7929541eC2318f3dCF7e")
)

func GetLogger() sdklogging.Logger {
	logger, err := sdklogging.NewZapLogger("development")
	if err != nil {
		panic(err)
	}
	return logger
}

func OwnerKey() *ecdsa.PrivateKey {
	key, err := crypto.HexToECDSA(OwnerKeyHex[2:])
	if err != nil {
		panic(err)
	}
	return key
}

func OwnerAddress() common.Address {
	return crypto.PubkeyToAddress(OwnerKey().PublicKey)
}

func PaymasterKey() *ecdsa.PrivateKey {
	key, err := crypto.HexToECDSA(PaymasterKeyHex[2:])
	if err != nil {
		panic(err)
	}
	return key
}

// OwnerKeyExporter satisfies signer.KeyExporter with the test owner key.
type OwnerKeyExporter struct{}

func (OwnerKeyExporter) ExportKey(ctx context.Context) (*ecdsa.PrivateKey, error) {
	return OwnerKey(), nil
}

func GetDefaultCache() *bigcache.BigCache {
	config := bigcache.DefaultConfig(10 * time.Minute)
	// number of shards (must be a power of 2)
	config.Shards = 16
	config.MaxEntriesInWindow = 1000
	config.Verbose = false

	cache, err := bigcache.New(context.Background(), config)
	if err != nil {
		panic(fmt.Errorf("error get default cache for test: %w", err))
	}
	return cache
}

// TestMustDB opens an in-memory store, closed when the test ends.
func TestMustDB(t testing.TB) storage.Storage {
	db, err := storage.New(&storage.Config{InMemory: true})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}
