package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"TaskMesh-Chain/internal/web3"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name   string
	RPCURL string
	WSURL  string
	Notes  string
	// PrivateKey is a hex encoded secp256k1 key used to sign registry writes.
	// Read-only clients leave it empty.
	PrivateKey string
	// ChainID is resolved from the node when zero.
	ChainID int64
	// ReceiptTimeout bounds how long Transact waits for inclusion. Zero
	// returns as soon as the node accepts the transaction.
	ReceiptTimeout time.Duration
}

// Client implements web3.Client for EVM compatible chains.
type Client struct {
	name           string
	notes          string
	rpcClient      *gethrpc.Client
	eth            *ethclient.Client
	eventClient    logSubscriber
	key            *ecdsa.PrivateKey
	from           common.Address
	chainID        *big.Int
	receiptTimeout time.Duration
	// mu serializes nonce allocation for outgoing transactions.
	mu sync.Mutex
}

var _ web3.Client = (*Client)(nil)

// logSubscriber mirrors the subset of methods required for log subscriptions.
type logSubscriber interface {
	SubscribeFilterLogs(ctx context.Context, q gethcore.FilterQuery, ch chan<- coretypes.Log) (gethcore.Subscription, error)
}

// NewClient dials the configured RPC endpoints and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	eth := ethclient.NewClient(rpcClient)

	client := &Client{
		name:           cfg.Name,
		notes:          cfg.Notes,
		rpcClient:      rpcClient,
		eth:            eth,
		eventClient:    eth,
		receiptTimeout: cfg.ReceiptTimeout,
	}

	if wsURL := strings.TrimSpace(cfg.WSURL); wsURL != "" {
		if wsRPC, wsErr := gethrpc.DialContext(ctx, wsURL); wsErr == nil {
			client.eventClient = ethclient.NewClient(wsRPC)
		}
	}

	if cfg.ChainID > 0 {
		client.chainID = big.NewInt(cfg.ChainID)
	}

	if key := strings.TrimPrefix(strings.TrimSpace(cfg.PrivateKey), "0x"); key != "" {
		priv, err := crypto.HexToECDSA(key)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("解析签名私钥失败: %w", err)
		}
		client.key = priv
		client.from = crypto.PubkeyToAddress(priv.PublicKey)
	}

	return client, nil
}

// Name returns the configured chain name.
func (c *Client) Name() string { return c.name }

// From returns the signing address, or the zero address for read-only clients.
func (c *Client) From() common.Address { return c.from }

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ec, ok := c.eventClient.(*ethclient.Client); ok && ec != c.eth {
		ec.Close()
	}
	c.eventClient = nil
	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
	c.rpcClient = nil
}

// FetchChainSnapshot gathers lightweight metadata from the chain.
func (c *Client) FetchChainSnapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	if c == nil || c.eth == nil {
		return web3.ChainSnapshot{}, errors.New("未初始化的以太坊客户端")
	}
	chainID, err := c.resolveChainID(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, err
	}
	blockNumber, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, fmt.Errorf("获取最新区块高度失败: %w", err)
	}
	return web3.ChainSnapshot{
		Name:        c.name,
		ChainID:     toHexBig(chainID),
		BlockNumber: fmt.Sprintf("0x%x", blockNumber),
		Notes:       c.notes,
	}, nil
}

// Call executes a read-only contract call against the latest block.
func (c *Client) Call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	if c == nil || c.eth == nil {
		return nil, errors.New("未初始化的以太坊客户端")
	}
	out, err := c.eth.CallContract(ctx, gethcore.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("调用合约失败: %w", err)
	}
	return out, nil
}

// Transact signs an EIP-1559 transaction carrying data and broadcasts it.
func (c *Client) Transact(ctx context.Context, to common.Address, data []byte) (common.Hash, error) {
	if c == nil || c.eth == nil {
		return common.Hash{}, errors.New("未初始化的以太坊客户端")
	}
	if c.key == nil {
		return common.Hash{}, errors.New("客户端未配置签名私钥")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	chainID, err := c.resolveChainID(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	nonce, err := c.eth.PendingNonceAt(ctx, c.from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("查询交易计数失败: %w", err)
	}
	tip, err := c.eth.SuggestGasTipCap(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("获取小费建议失败: %w", err)
	}
	price, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("获取 gas 价格失败: %w", err)
	}
	gas, err := c.eth.EstimateGas(ctx, gethcore.CallMsg{From: c.from, To: &to, Data: data})
	if err != nil {
		return common.Hash{}, fmt.Errorf("估算 gas 失败: %w", err)
	}

	feeCap := new(big.Int).Add(tip, new(big.Int).Mul(price, big.NewInt(2)))
	tx := coretypes.NewTx(&coretypes.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Data:      data,
	})
	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(chainID), c.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("签名交易失败: %w", err)
	}
	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("发送交易失败: %w", err)
	}

	if c.receiptTimeout > 0 {
		if err := c.waitMined(ctx, signed.Hash()); err != nil {
			return signed.Hash(), err
		}
	}
	return signed.Hash(), nil
}

// SubscribeEvents attaches a log subscription to the chain.
func (c *Client) SubscribeEvents(ctx context.Context, query gethcore.FilterQuery) (*web3.EventSubscription, error) {
	if c == nil || c.eventClient == nil {
		return nil, errors.New("当前客户端不支持事件订阅")
	}
	logs := make(chan coretypes.Log, 64)
	sub, err := c.eventClient.SubscribeFilterLogs(ctx, query, logs)
	if err != nil {
		return nil, fmt.Errorf("订阅事件失败: %w", err)
	}
	return web3.NewEventSubscription(logs, sub), nil
}

func (c *Client) resolveChainID(ctx context.Context) (*big.Int, error) {
	if c.chainID != nil {
		return c.chainID, nil
	}
	id, err := c.eth.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	c.chainID = id
	return id, nil
}

func (c *Client) waitMined(ctx context.Context, hash common.Hash) error {
	ctx, cancel := context.WithTimeout(ctx, c.receiptTimeout)
	defer cancel()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		receipt, err := c.eth.TransactionReceipt(ctx, hash)
		switch {
		case err == nil:
			if receipt.Status != coretypes.ReceiptStatusSuccessful {
				return fmt.Errorf("交易 %s 执行失败", hash.Hex())
			}
			return nil
		case !errors.Is(err, gethcore.NotFound):
			return fmt.Errorf("查询交易回执失败: %w", err)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("等待交易 %s 上链超时: %w", hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

func toHexBig(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	return "0x" + n.Text(16)
}
