package config

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v2"

	"github.com/AvaProtocol/userop-sponsor/core/chainio/aa"
	"github.com/AvaProtocol/userop-sponsor/core/chainio/signer"
)

// Secrets are only ever taken from the environment when set, overriding the file.
const (
	EnvOwnerPrivateKey = "OWNER_PRIVATE_KEY"
	EnvIDToken         = "ID_TOKEN"
)

var (
	DefaultRpcTimeout          = 15 * time.Second
	DefaultReceiptPollInterval = 2 * time.Second
	DefaultReceiptTimeout      = 60 * time.Second
	DefaultNonceClaimTTL       = 2 * time.Minute
	DefaultVerifyingValidity   = 10 * time.Minute
)

// Config is everything the pipeline needs, passed explicitly to constructors.
// Nothing below core/config reads the process environment.
type Config struct {
	Environment sdklogging.LogLevel `validate:"oneof=development production"`
	Logger      sdklogging.Logger   `json:"-" validate:"-"`

	EthRpcUrl    string `validate:"required,url"`
	BundlerUrl   string `validate:"required,url"`
	PaymasterUrl string `validate:"omitempty,url"`
	// forwarded verbatim to the paymaster
	PaymasterContext   map[string]interface{}
	VerifyingPaymaster *VerifyingPaymasterConfig

	EntrypointAddress common.Address
	FactoryAddress    common.Address
	AccountSalt       *big.Int
	// nil means resolve over eth_chainId
	ChainID *big.Int

	RpcTimeout          time.Duration `validate:"gt=0"`
	ReceiptPollInterval time.Duration `validate:"gt=0"`
	ReceiptTimeout      time.Duration `validate:"gtfield=ReceiptPollInterval"`
	NonceClaimTTL       time.Duration `validate:"gt=0"`
	RenonceOnStale      bool

	DbPath          string
	HttpBindAddress string `validate:"omitempty,hostname_port"`

	// BackupDir empty disables journal backups. A zero BackupInterval still
	// backs up before migrations, just never periodically.
	BackupDir      string
	BackupInterval time.Duration `validate:"gte=0"`

	OwnerPrivateKey string `json:"-"`
	IDToken         string `json:"-"`
}

// VerifyingPaymasterConfig signs sponsorships locally instead of calling a
// paymaster service.
type VerifyingPaymasterConfig struct {
	Address   common.Address
	SignerKey *ecdsa.PrivateKey `json:"-" validate:"-"`
	Validity  time.Duration     `validate:"gt=0"`
}

// These are read from configPath
type ConfigRaw struct {
	Environment        sdklogging.LogLevel    `yaml:"environment"`
	EthRpcUrl          string                 `yaml:"eth_rpc_url"`
	BundlerUrl         string                 `yaml:"bundler_url"`
	PaymasterUrl       string                 `yaml:"paymaster_url"`
	PaymasterContext   map[string]interface{} `yaml:"paymaster_context"`
	VerifyingPaymaster *VerifyingPaymasterRaw `yaml:"verifying_paymaster"`

	EntrypointAddress string `yaml:"entrypoint_address"`
	FactoryAddress    string `yaml:"factory_address"`
	AccountSalt       string `yaml:"account_salt"`
	ChainID           int64  `yaml:"chain_id"`

	RpcTimeout          string `yaml:"rpc_timeout"`
	ReceiptPollInterval string `yaml:"receipt_poll_interval"`
	ReceiptTimeout      string `yaml:"receipt_timeout"`
	NonceClaimTTL       string `yaml:"nonce_claim_ttl"`
	RenonceOnStale      bool   `yaml:"renonce_on_stale"`

	DbPath          string `yaml:"db_path"`
	HttpBindAddress string `yaml:"http_bind_address"`
	BackupDir       string `yaml:"backup_dir"`
	BackupInterval  string `yaml:"backup_interval"`

	OwnerPrivateKey string `yaml:"owner_private_key"`
	IDToken         string `yaml:"id_token"`
}

type VerifyingPaymasterRaw struct {
	Address          string `yaml:"address"`
	SignerPrivateKey string `yaml:"signer_private_key"`
	Validity         string `yaml:"validity"`
}

// ReadYamlConfig decodes the file at path into raw.
func ReadYamlConfig(path string, raw *ConfigRaw) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, raw)
}

// NewConfig reads the yaml file at configFilePath, applies environment
// overrides for secrets and validates the result. An empty path yields a
// config built from defaults and the environment only.
func NewConfig(configFilePath string) (*Config, error) {
	var configRaw ConfigRaw
	if configFilePath != "" {
		if err := ReadYamlConfig(configFilePath, &configRaw); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", configFilePath, err)
		}
	}
	applyEnvOverrides(&configRaw, os.Getenv)

	config, err := FromRaw(&configRaw)
	if err != nil {
		return nil, err
	}

	config.Logger, err = sdklogging.NewZapLogger(config.Environment)
	if err != nil {
		return nil, err
	}
	return config, nil
}

func applyEnvOverrides(raw *ConfigRaw, getenv func(string) string) {
	if v := getenv(EnvOwnerPrivateKey); v != "" {
		raw.OwnerPrivateKey = v
	}
	if v := getenv(EnvIDToken); v != "" {
		raw.IDToken = v
	}
}

// FromRaw converts and validates raw without touching the environment.
func FromRaw(raw *ConfigRaw) (*Config, error) {
	c := &Config{
		Environment:       raw.Environment,
		EthRpcUrl:         strings.TrimSpace(raw.EthRpcUrl),
		BundlerUrl:        strings.TrimSpace(raw.BundlerUrl),
		PaymasterUrl:      strings.TrimSpace(raw.PaymasterUrl),
		PaymasterContext:  normalizeMap(raw.PaymasterContext),
		EntrypointAddress: aa.EntrypointAddress,
		FactoryAddress:    aa.DefaultFactoryAddress,
		AccountSalt:       new(big.Int),
		RenonceOnStale:    raw.RenonceOnStale,
		DbPath:            raw.DbPath,
		HttpBindAddress:   raw.HttpBindAddress,
		BackupDir:         strings.TrimSpace(raw.BackupDir),
		OwnerPrivateKey:   strings.TrimSpace(raw.OwnerPrivateKey),
		IDToken:           strings.TrimSpace(raw.IDToken),
	}
	if c.Environment == "" {
		c.Environment = sdklogging.Development
	}

	var err error
	if c.EntrypointAddress, err = parseAddress("entrypoint_address", raw.EntrypointAddress, aa.EntrypointAddress); err != nil {
		return nil, err
	}
	if c.FactoryAddress, err = parseAddress("factory_address", raw.FactoryAddress, aa.DefaultFactoryAddress); err != nil {
		return nil, err
	}

	if raw.AccountSalt != "" {
		salt, ok := new(big.Int).SetString(raw.AccountSalt, 0)
		if !ok || salt.Sign() < 0 {
			return nil, fmt.Errorf("invalid account_salt %q", raw.AccountSalt)
		}
		c.AccountSalt = salt
	}
	if raw.ChainID < 0 {
		return nil, fmt.Errorf("invalid chain_id %d", raw.ChainID)
	}
	if raw.ChainID > 0 {
		c.ChainID = big.NewInt(raw.ChainID)
	}

	durations := []struct {
		name   string
		raw    string
		target *time.Duration
		def    time.Duration
	}{
		{"rpc_timeout", raw.RpcTimeout, &c.RpcTimeout, DefaultRpcTimeout},
		{"receipt_poll_interval", raw.ReceiptPollInterval, &c.ReceiptPollInterval, DefaultReceiptPollInterval},
		{"receipt_timeout", raw.ReceiptTimeout, &c.ReceiptTimeout, DefaultReceiptTimeout},
		{"nonce_claim_ttl", raw.NonceClaimTTL, &c.NonceClaimTTL, DefaultNonceClaimTTL},
		{"backup_interval", raw.BackupInterval, &c.BackupInterval, 0},
	}
	for _, d := range durations {
		if *d.target, err = parseDuration(d.name, d.raw, d.def); err != nil {
			return nil, err
		}
	}

	if raw.VerifyingPaymaster != nil {
		if c.VerifyingPaymaster, err = verifyingPaymasterFromRaw(raw.VerifyingPaymaster); err != nil {
			return nil, err
		}
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func verifyingPaymasterFromRaw(raw *VerifyingPaymasterRaw) (*VerifyingPaymasterConfig, error) {
	if !common.IsHexAddress(raw.Address) {
		return nil, fmt.Errorf("invalid verifying_paymaster.address %q", raw.Address)
	}
	key, err := signer.ParsePrivateKey(raw.SignerPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("invalid verifying_paymaster.signer_private_key: %w", err)
	}
	validity, err := parseDuration("verifying_paymaster.validity", raw.Validity, DefaultVerifyingValidity)
	if err != nil {
		return nil, err
	}
	return &VerifyingPaymasterConfig{
		Address:   common.HexToAddress(raw.Address),
		SignerKey: key,
		Validity:  validity,
	}, nil
}

// Validate checks field constraints and the paymaster mode.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.PaymasterUrl != "" && c.VerifyingPaymaster != nil {
		return fmt.Errorf("invalid config: paymaster_url and verifying_paymaster are mutually exclusive")
	}
	if vp := c.VerifyingPaymaster; vp != nil && (vp.Address == (common.Address{}) || vp.SignerKey == nil) {
		return fmt.Errorf("invalid config: verifying_paymaster needs an address and a signer key")
	}
	if c.BackupInterval > 0 && c.BackupDir == "" {
		return fmt.Errorf("invalid config: backup_interval needs a backup_dir")
	}
	if c.BackupDir != "" && c.DbPath == "" {
		return fmt.Errorf("invalid config: backup_dir needs a db_path, an in-memory journal is not backed up")
	}
	if c.EntrypointAddress == (common.Address{}) {
		return fmt.Errorf("invalid config: entrypoint_address is required")
	}
	return nil
}

// SelfFunded reports whether operations pay their own gas.
func (c *Config) SelfFunded() bool {
	return c.PaymasterUrl == "" && c.VerifyingPaymaster == nil
}
