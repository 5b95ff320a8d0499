package ledger

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/devconnect-labs/devconnect/internal/ethabi"
	"github.com/devconnect-labs/devconnect/internal/logging"
)

// Config holds the connection settings for the contract node. The node also
// acts as the wallet provider: transactions are signed by the unlocked
// account it controls.
type Config struct {
	HTTPURL         string        `env:"ETH_HTTP_URL" envDefault:"http://127.0.0.1:8545"`
	WSURL           string        `env:"ETH_WS_URL" envDefault:"ws://127.0.0.1:8545"`
	ContractAddress string        `env:"CONTRACT_ADDRESS,required"`
	AccountAddress  string        `env:"ACCOUNT_ADDRESS,required"`
	RequestTimeout  time.Duration `env:"ETH_REQUEST_TIMEOUT" envDefault:"15s"`
	ReceiptInterval time.Duration `env:"ETH_RECEIPT_INTERVAL" envDefault:"2s"`
}

// Canonical signatures of the DevConnect contract surface.
const (
	sigRegisterDeveloper = "registerDeveloper(string,string,uint256)"
	sigBookCall          = "bookCall(address)"
	sigRespond           = "respondToCallRequest(uint256,bool)"
	sigToggle            = "toggleAvailability()"
	sigCompleteCall      = "completeCall(uint256,uint256)"
	sigDeveloperCount    = "getDeveloperCount()"
	sigDeveloperAddress  = "getDeveloperAddress(uint256)"
	sigDeveloperDetails  = "getDeveloperDetails(address)"
	sigIsDeveloper       = "isDeveloper(address)"
)

// RPCClient talks JSON-RPC to an Ethereum node: HTTP for calls and
// transaction submission, WebSocket for the live log subscription.
type RPCClient struct {
	httpURL         string
	wsURL           string
	contract        Address
	account         Address
	receiptInterval time.Duration

	hc    *http.Client
	log   *logrus.Entry
	reqID atomic.Uint64
}

var _ Client = (*RPCClient)(nil)

// NewRPCClient builds a client from config. It does not dial anything yet;
// the first RPC does.
func NewRPCClient(cfg *Config) (*RPCClient, error) {
	contract, err := ParseAddress(cfg.ContractAddress)
	if err != nil {
		return nil, fmt.Errorf("contract address: %w", err)
	}
	account, err := ParseAddress(cfg.AccountAddress)
	if err != nil {
		return nil, fmt.Errorf("account address: %w", err)
	}

	return &RPCClient{
		httpURL:         cfg.HTTPURL,
		wsURL:           cfg.WSURL,
		contract:        contract,
		account:         account,
		receiptInterval: cfg.ReceiptInterval,
		hc:              &http.Client{Timeout: cfg.RequestTimeout},
		log:             logging.Component("ledger"),
	}, nil
}

// Account returns the node-controlled signing account.
func (c *RPCClient) Account() Address { return c.account }

type rpcRequest struct {
	Jsonrpc string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// call performs one JSON-RPC request over HTTP. Transport failures map to
// ErrProviderUnavailable; node-reported errors come back as *rpcError for
// the caller to classify.
func (c *RPCClient) call(ctx context.Context, method string, out any, params ...any) error {
	if params == nil {
		params = []any{}
	}
	body, err := json.Marshal(rpcRequest{
		Jsonrpc: "2.0",
		ID:      c.reqID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.httpURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %v: %w", method, err, ErrProviderUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: http %s: %w", method, resp.Status, ErrProviderUnavailable)
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("%s: decode: %v: %w", method, err, ErrProviderUnavailable)
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("%s: %w", method, rpcResp.Error)
	}
	if out != nil {
		if err := json.Unmarshal(rpcResp.Result, out); err != nil {
			return fmt.Errorf("%s: result: %w", method, err)
		}
	}
	return nil
}

// ethCall executes a read-only contract call and returns the raw return data.
func (c *RPCClient) ethCall(ctx context.Context, data []byte) ([]byte, error) {
	var result string
	err := c.call(ctx, "eth_call", &result, map[string]string{
		"to":   c.contract.Hex(),
		"data": "0x" + hex.EncodeToString(data),
	}, "latest")
	if err != nil {
		return nil, err
	}
	return decodeHexBlob(result)
}

// sendTx submits a state-changing call through the node's unlocked account.
// A node-reported error at this stage means no hash exists, which is the
// SubmissionRejected case.
func (c *RPCClient) sendTx(ctx context.Context, data []byte, valueWei *big.Int) (TxHash, error) {
	tx := map[string]string{
		"from": c.account.Hex(),
		"to":   c.contract.Hex(),
		"data": "0x" + hex.EncodeToString(data),
	}
	if valueWei != nil && valueWei.Sign() > 0 {
		tx["value"] = "0x" + valueWei.Text(16)
	}

	var hash string
	if err := c.call(ctx, "eth_sendTransaction", &hash, tx); err != nil {
		var rpcErr *rpcError
		if errors.As(err, &rpcErr) {
			return "", fmt.Errorf("%v: %w", rpcErr, ErrSubmissionRejected)
		}
		return "", err
	}
	return TxHash(hash), nil
}

func (c *RPCClient) RegisterDeveloper(ctx context.Context, name, expertise string, rateWei *big.Int) (TxHash, error) {
	data, err := ethabi.Pack(sigRegisterDeveloper, ethabi.String(name), ethabi.String(expertise), ethabi.Uint(rateWei))
	if err != nil {
		return "", err
	}
	return c.sendTx(ctx, data, nil)
}

func (c *RPCClient) BookCall(ctx context.Context, developer Address, amountWei *big.Int) (TxHash, error) {
	data, err := ethabi.Pack(sigBookCall, ethabi.Address(developer))
	if err != nil {
		return "", err
	}
	return c.sendTx(ctx, data, amountWei)
}

func (c *RPCClient) RespondToCallRequest(ctx context.Context, requestID int64, accept bool) (TxHash, error) {
	data, err := ethabi.Pack(sigRespond, ethabi.Uint64(uint64(requestID)), ethabi.Bool(accept))
	if err != nil {
		return "", err
	}
	return c.sendTx(ctx, data, nil)
}

func (c *RPCClient) ToggleAvailability(ctx context.Context) (TxHash, error) {
	data, err := ethabi.Pack(sigToggle)
	if err != nil {
		return "", err
	}
	return c.sendTx(ctx, data, nil)
}

func (c *RPCClient) CompleteCall(ctx context.Context, callID int64, durationSec int64) (TxHash, error) {
	data, err := ethabi.Pack(sigCompleteCall, ethabi.Uint64(uint64(callID)), ethabi.Uint64(uint64(durationSec)))
	if err != nil {
		return "", err
	}
	return c.sendTx(ctx, data, nil)
}

// WaitMined polls for the transaction receipt until ctx expires. nil means
// mined with success status; ErrConfirmationFailed means mined but reverted.
func (c *RPCClient) WaitMined(ctx context.Context, h TxHash) error {
	ticker := time.NewTicker(c.receiptInterval)
	defer ticker.Stop()

	for {
		var receipt *struct {
			Status      string `json:"status"`
			BlockNumber string `json:"blockNumber"`
		}
		err := c.call(ctx, "eth_getTransactionReceipt", &receipt, string(h))
		if err == nil && receipt != nil {
			if receipt.Status == "0x0" {
				return fmt.Errorf("tx %s: %w", h, ErrConfirmationFailed)
			}
			return nil
		}
		if err != nil {
			c.log.WithError(err).Debug("receipt poll failed")
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("awaiting receipt for %s: %w", h, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *RPCClient) DeveloperCount(ctx context.Context) (int64, error) {
	data, err := ethabi.Pack(sigDeveloperCount)
	if err != nil {
		return 0, err
	}
	ret, err := c.ethCall(ctx, data)
	if err != nil {
		return 0, err
	}
	vals, err := ethabi.Unpack(ret, ethabi.KindUint)
	if err != nil {
		return 0, err
	}
	return vals[0].(*big.Int).Int64(), nil
}

func (c *RPCClient) DeveloperAddress(ctx context.Context, index int64) (Address, error) {
	data, err := ethabi.Pack(sigDeveloperAddress, ethabi.Uint64(uint64(index)))
	if err != nil {
		return Address{}, err
	}
	ret, err := c.ethCall(ctx, data)
	if err != nil {
		return Address{}, err
	}
	vals, err := ethabi.Unpack(ret, ethabi.KindAddress)
	if err != nil {
		return Address{}, err
	}
	return Address(vals[0].([20]byte)), nil
}

func (c *RPCClient) DeveloperDetails(ctx context.Context, addr Address) (Developer, error) {
	data, err := ethabi.Pack(sigDeveloperDetails, ethabi.Address(addr))
	if err != nil {
		return Developer{}, err
	}
	ret, err := c.ethCall(ctx, data)
	if err != nil {
		return Developer{}, err
	}
	vals, err := ethabi.Unpack(ret,
		ethabi.KindString, ethabi.KindString, ethabi.KindUint, ethabi.KindBool, ethabi.KindBool)
	if err != nil {
		return Developer{}, err
	}
	return Developer{
		Address:       addr,
		Name:          vals[0].(string),
		Expertise:     vals[1].(string),
		HourlyRateWei: vals[2].(*big.Int),
		IsAvailable:   vals[3].(bool),
		IsRegistered:  vals[4].(bool),
	}, nil
}

func (c *RPCClient) IsDeveloper(ctx context.Context, addr Address) (bool, error) {
	data, err := ethabi.Pack(sigIsDeveloper, ethabi.Address(addr))
	if err != nil {
		return false, err
	}
	ret, err := c.ethCall(ctx, data)
	if err != nil {
		return false, err
	}
	vals, err := ethabi.Unpack(ret, ethabi.KindBool)
	if err != nil {
		return false, err
	}
	return vals[0].(bool), nil
}

func (c *RPCClient) BlockNumber(ctx context.Context) (uint64, error) {
	var result string
	if err := c.call(ctx, "eth_blockNumber", &result); err != nil {
		return 0, err
	}
	return parseHexUint64(result)
}

// FilterEvents fetches contract logs from fromBlock to the latest block.
func (c *RPCClient) FilterEvents(ctx context.Context, fromBlock uint64) ([]Event, uint64, error) {
	latest, err := c.BlockNumber(ctx)
	if err != nil {
		return nil, 0, err
	}
	if fromBlock > latest {
		return nil, latest, nil
	}

	var logs []logEntry
	err = c.call(ctx, "eth_getLogs", &logs, map[string]any{
		"address":   c.contract.Hex(),
		"fromBlock": "0x" + strconv.FormatUint(fromBlock, 16),
		"toBlock":   "0x" + strconv.FormatUint(latest, 16),
	})
	if err != nil {
		return nil, 0, err
	}

	events := make([]Event, 0, len(logs))
	for _, lg := range logs {
		ev, ok := decodeLog(lg)
		if !ok {
			continue
		}
		events = append(events, ev)
	}
	return events, latest, nil
}

// SubscribeEvents opens an eth_subscribe("logs") stream over WebSocket. The
// returned channel closes when the connection drops or ctx is cancelled.
func (c *RPCClient) SubscribeEvents(ctx context.Context) (<-chan Event, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("ws dial: %v: %w", err, ErrProviderUnavailable)
	}

	sub := rpcRequest{
		Jsonrpc: "2.0",
		ID:      c.reqID.Add(1),
		Method:  "eth_subscribe",
		Params:  []any{"logs", map[string]string{"address": c.contract.Hex()}},
	}
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ws subscribe: %v: %w", err, ErrProviderUnavailable)
	}

	var ack rpcResponse
	if err := conn.ReadJSON(&ack); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ws subscribe ack: %v: %w", err, ErrProviderUnavailable)
	}
	if ack.Error != nil {
		conn.Close()
		return nil, fmt.Errorf("ws subscribe: %v: %w", ack.Error, ErrProviderUnavailable)
	}

	out := make(chan Event, 64)

	// Unblocks the read loop on cancellation.
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	go func() {
		defer close(out)
		defer conn.Close()

		for {
			var note struct {
				Method string `json:"method"`
				Params struct {
					Result logEntry `json:"result"`
				} `json:"params"`
			}
			if err := conn.ReadJSON(&note); err != nil {
				if ctx.Err() == nil {
					c.log.WithError(err).Warn("log subscription dropped")
				}
				return
			}
			if note.Method != "eth_subscription" {
				continue
			}
			ev, ok := decodeLog(note.Params.Result)
			if !ok {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

func decodeHexBlob(s string) ([]byte, error) {
	s = strings.TrimPrefix(s, "0x")
	if len(s)%2 == 1 {
		s = "0" + s
	}
	return hex.DecodeString(s)
}

func parseHexUint64(s string) (uint64, error) {
	s = strings.TrimPrefix(s, "0x")
	if s == "" {
		return 0, nil
	}
	return strconv.ParseUint(s, 16, 64)
}
