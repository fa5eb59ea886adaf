package paymaster

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-resty/resty/v2"
	"github.com/mitchellh/mapstructure"

	"github.com/AvaProtocol/userop-sponsor/pkg/erc4337"
	"github.com/AvaProtocol/userop-sponsor/pkg/erc4337/userop"
	"github.com/AvaProtocol/userop-sponsor/pkg/logger"
)

const (
	SponsorMethod = "pm_sponsorUserOperation"

	defaultTimeout = 15 * time.Second
)

// JSON-RPC request structure for the paymaster endpoint
type JSONRPCRequest struct {
	Jsonrpc string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	Id      int64         `json:"id"`
}

// JSON-RPC response structure
type JSONRPCResponse struct {
	Jsonrpc string                   `json:"jsonrpc"`
	Id      int64                    `json:"id"`
	Result  interface{}              `json:"result,omitempty"`
	Error   *erc4337.RPCErrorPayload `json:"error,omitempty"`
}

// sponsorResult is the object form of a pm_sponsorUserOperation result. Gas
// fields arrive as hex strings or numbers depending on the paymaster.
type sponsorResult struct {
	PaymasterAndData     string `mapstructure:"paymasterAndData"`
	CallGasLimit         string `mapstructure:"callGasLimit"`
	VerificationGasLimit string `mapstructure:"verificationGasLimit"`
	PreVerificationGas   string `mapstructure:"preVerificationGas"`
}

// RPCMiddleware requests sponsorship from a remote paymaster service. The
// context blob is forwarded verbatim and never interpreted here.
type RPCMiddleware struct {
	httpClient *resty.Client
	url        string
	entryPoint common.Address
	pmContext  map[string]interface{}
	logger     sdklogging.Logger

	nextID atomic.Int64
}

func NewRPCMiddleware(url string, entryPoint common.Address, pmContext map[string]interface{}, timeout time.Duration, log sdklogging.Logger) *RPCMiddleware {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	client := resty.New()
	client.SetTimeout(timeout)
	client.SetHeader("Content-Type", "application/json")

	if pmContext == nil {
		pmContext = map[string]interface{}{}
	}

	return &RPCMiddleware{
		httpClient: client,
		url:        url,
		entryPoint: entryPoint,
		pmContext:  pmContext,
		logger:     logger.EnsureLogger(log),
	}
}

// Sponsor calls pm_sponsorUserOperation(op, entryPoint, context). A JSON-RPC
// error or an empty grant is a denial; transport failures, HTTP 5xx and
// timeouts mean the paymaster is unavailable.
func (m *RPCMiddleware) Sponsor(ctx context.Context, op *userop.UserOperation) (*Sponsorship, error) {
	request := JSONRPCRequest{
		Jsonrpc: "2.0",
		Method:  SponsorMethod,
		Params:  []interface{}{op, m.entryPoint.Hex(), m.pmContext},
		Id:      m.nextID.Add(1),
	}

	var response JSONRPCResponse
	resp, err := m.httpClient.R().
		SetContext(ctx).
		SetBody(request).
		SetResult(&response).
		SetError(&response).
		Post(m.url)
	if err != nil {
		return nil, erc4337.New(erc4337.KindSponsorshipUnavailable, SponsorMethod, err)
	}

	if resp.StatusCode() >= http.StatusInternalServerError {
		return nil, erc4337.Newf(erc4337.KindSponsorshipUnavailable, SponsorMethod, "paymaster returned %s", resp.Status())
	}
	if response.Error != nil {
		m.logger.Info("paymaster declined sponsorship", "sender", op.Sender.Hex(), "code", response.Error.Code, "message", response.Error.Message)
		return nil, erc4337.WithPayload(erc4337.KindSponsorshipDenied, SponsorMethod, response.Error)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, erc4337.Newf(erc4337.KindSponsorshipDenied, SponsorMethod, "paymaster returned %s: %s", resp.Status(), strings.TrimSpace(string(resp.Body())))
	}

	sponsorship, err := decodeSponsorship(response.Result)
	if err != nil {
		return nil, erc4337.New(erc4337.KindSponsorshipDenied, SponsorMethod, err)
	}
	return sponsorship, nil
}

// decodeSponsorship accepts either a bare paymasterAndData hex string or an
// object carrying it together with optional gas overrides.
func decodeSponsorship(result interface{}) (*Sponsorship, error) {
	var raw sponsorResult
	switch v := result.(type) {
	case nil:
		return nil, fmt.Errorf("paymaster returned no sponsorship")
	case string:
		raw.PaymasterAndData = v
	case map[string]interface{}:
		decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			WeaklyTypedInput: true,
			Result:           &raw,
		})
		if err != nil {
			return nil, err
		}
		if err := decoder.Decode(v); err != nil {
			return nil, fmt.Errorf("decode sponsorship result: %w", err)
		}
	default:
		return nil, fmt.Errorf("unexpected sponsorship result type %T", result)
	}

	paymasterAndData, err := hexutil.Decode(raw.PaymasterAndData)
	if err != nil {
		return nil, fmt.Errorf("invalid paymasterAndData %q: %w", raw.PaymasterAndData, err)
	}
	if len(paymasterAndData) < common.AddressLength {
		return nil, fmt.Errorf("paymasterAndData too short: %d bytes", len(paymasterAndData))
	}

	sponsorship := &Sponsorship{PaymasterAndData: paymasterAndData}
	if sponsorship.CallGasLimit, err = parseOptionalQuantity(raw.CallGasLimit); err != nil {
		return nil, err
	}
	if sponsorship.VerificationGasLimit, err = parseOptionalQuantity(raw.VerificationGasLimit); err != nil {
		return nil, err
	}
	if sponsorship.PreVerificationGas, err = parseOptionalQuantity(raw.PreVerificationGas); err != nil {
		return nil, err
	}
	return sponsorship, nil
}

func parseOptionalQuantity(s string) (*big.Int, error) {
	if s == "" {
		return nil, nil
	}
	v, ok := new(big.Int).SetString(s, 0)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("invalid gas quantity %q", s)
	}
	return v, nil
}
