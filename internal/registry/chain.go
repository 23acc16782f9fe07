package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	xerrors "TaskMesh-Chain/internal/errors"
	"TaskMesh-Chain/internal/web3"
	"TaskMesh-Chain/pkg/logger"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"
)

const resolveConcurrency = 8

type eventSubscriber interface {
	SubscribeEvents(ctx context.Context, query gethcore.FilterQuery) (*web3.EventSubscription, error)
}

// ChainClient 通过合约调用访问链上能力注册表。
type ChainClient struct {
	caller      web3.ContractCaller
	transactor  web3.ContractTransactor
	subscriber  eventSubscriber
	address     common.Address
	resolver    Resolver
	contract    abi.ABI
	callTimeout time.Duration
	logger      *slog.Logger
}

// ChainOption 配置 ChainClient。
type ChainOption func(*ChainClient)

// WithCallTimeout 设置单次合约调用的超时时间。
func WithCallTimeout(d time.Duration) ChainOption {
	return func(c *ChainClient) {
		if d > 0 {
			c.callTimeout = d
		}
	}
}

// WithTransactor 显式指定写操作使用的签名客户端。
func WithTransactor(t web3.ContractTransactor) ChainOption {
	return func(c *ChainClient) { c.transactor = t }
}

// WithChainLogger 设置日志实例。
func WithChainLogger(l *slog.Logger) ChainOption {
	return func(c *ChainClient) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewChainClient 构造链上注册表客户端。backend 若同时实现写交易或事件订阅接口会被自动复用。
func NewChainClient(backend web3.ContractCaller, address common.Address, resolver Resolver, opts ...ChainOption) (*ChainClient, error) {
	if backend == nil {
		return nil, errors.New("registry backend is required")
	}
	if resolver == nil {
		return nil, errors.New("metadata resolver is required")
	}
	parsed, err := abi.JSON(strings.NewReader(registryABI))
	if err != nil {
		return nil, fmt.Errorf("parse registry abi: %w", err)
	}
	c := &ChainClient{
		caller:      backend,
		address:     address,
		resolver:    resolver,
		contract:    parsed,
		callTimeout: 10 * time.Second,
		logger:      logger.Named("registry"),
	}
	if t, ok := backend.(web3.ContractTransactor); ok {
		c.transactor = t
	}
	if s, ok := backend.(eventSubscriber); ok {
		c.subscriber = s
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// FindByCapability 实现 Client。
func (c *ChainClient) FindByCapability(ctx context.Context, capability string) ([]Registration, error) {
	capability = strings.TrimSpace(capability)
	if capability == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "capability is required")
	}
	values, err := c.call(ctx, "findAgentsByCapability", capability)
	if err != nil {
		return nil, err
	}
	ids, ok := values[0].([]string)
	if !ok {
		return nil, xerrors.New(xerrors.CodeRegistryUnavailable, "unexpected findAgentsByCapability output")
	}
	return c.resolveAll(ctx, ids)
}

// Get 实现 Client。
func (c *ChainClient) Get(ctx context.Context, id string) (Registration, error) {
	reg, err := c.lookup(ctx, id)
	if err != nil {
		return Registration{}, err
	}
	if !reg.Active {
		return Registration{}, notFound(id)
	}
	meta, err := c.resolver.Resolve(ctx, reg.MetadataURI)
	if err != nil {
		return Registration{}, err
	}
	reg.Metadata = meta
	return reg, nil
}

// Register 实现 Client：先登记元数据 URI，再逐个建立能力索引。
func (c *ChainClient) Register(ctx context.Context, req RegisterRequest) error {
	if strings.TrimSpace(req.ID) == "" || strings.TrimSpace(req.MetadataURI) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "agent id and metadata uri are required")
	}
	if err := c.transact(ctx, "registerAgent", req.ID, req.MetadataURI); err != nil {
		return err
	}
	for _, capability := range req.Capabilities {
		if err := c.IndexCapability(ctx, req.ID, capability); err != nil {
			return err
		}
	}
	return nil
}

// Deactivate 实现 Client。
func (c *ChainClient) Deactivate(ctx context.Context, id string) error {
	return c.transact(ctx, "deactivateAgent", id)
}

// IndexCapability 实现 Client。
func (c *ChainClient) IndexCapability(ctx context.Context, id, capability string) error {
	if strings.TrimSpace(capability) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "capability is required")
	}
	return c.transact(ctx, "indexCapability", id, capability)
}

// Total 实现 Client。
func (c *ChainClient) Total(ctx context.Context) (uint64, error) {
	values, err := c.call(ctx, "getTotalAgents")
	if err != nil {
		return 0, err
	}
	total, ok := values[0].(*big.Int)
	if !ok {
		return 0, xerrors.New(xerrors.CodeRegistryUnavailable, "unexpected getTotalAgents output")
	}
	return total.Uint64(), nil
}

// List 实现 Client。
func (c *ChainClient) List(ctx context.Context, offset, limit uint64) ([]Registration, error) {
	total, err := c.Total(ctx)
	if err != nil {
		return nil, err
	}
	if offset >= total {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("offset %d out of range (total %d)", offset, total))
	}
	values, err := c.call(ctx, "getAllAgents", new(big.Int).SetUint64(offset), new(big.Int).SetUint64(limit))
	if err != nil {
		return nil, err
	}
	ids, ok := values[0].([]string)
	if !ok {
		return nil, xerrors.New(xerrors.CodeRegistryUnavailable, "unexpected getAllAgents output")
	}
	return c.resolveAll(ctx, ids)
}

// Watch 订阅注册、更新、停用与能力索引事件。
func (c *ChainClient) Watch(ctx context.Context) (<-chan Event, error) {
	if c.subscriber == nil {
		return nil, xerrors.New(xerrors.CodeRegistryUnavailable, "registry backend does not support subscriptions")
	}
	topics := make([]common.Hash, 0, len(eventTypes))
	for name := range eventTypes {
		topics = append(topics, c.contract.Events[name].ID)
	}
	sub, err := c.subscriber.SubscribeEvents(ctx, gethcore.FilterQuery{
		Addresses: []common.Address{c.address},
		Topics:    [][]common.Hash{topics},
	})
	if err != nil {
		return nil, unavailable(err, "subscribe registry events")
	}

	out := make(chan Event, 64)
	go func() {
		defer close(out)
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case err, ok := <-sub.Err():
				if ok && err != nil {
					c.logger.Warn("registry subscription ended", slog.String("error", err.Error()))
				}
				return
			case lg, ok := <-sub.Logs():
				if !ok {
					return
				}
				evt, err := c.decodeLog(lg.Topics, lg.Data)
				if err != nil {
					c.logger.Debug("skip undecodable registry log", slog.String("error", err.Error()))
					continue
				}
				evt.BlockNumber = lg.BlockNumber
				evt.TxHash = lg.TxHash.Hex()
				select {
				case out <- evt:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (c *ChainClient) decodeLog(topics []common.Hash, data []byte) (Event, error) {
	if len(topics) == 0 {
		return Event{}, errors.New("log has no topics")
	}
	ev, err := c.contract.EventByID(topics[0])
	if err != nil {
		return Event{}, err
	}
	kind, ok := eventTypes[ev.Name]
	if !ok {
		return Event{}, fmt.Errorf("unexpected event %s", ev.Name)
	}
	values, err := ev.Inputs.Unpack(data)
	if err != nil {
		return Event{}, err
	}
	evt := Event{Type: kind, At: time.Now().UTC()}
	if len(values) > 0 {
		evt.AgentID, _ = values[0].(string)
	}
	switch kind {
	case EventRegistered:
		if owner, ok := values[1].(common.Address); ok {
			evt.Owner = owner.Hex()
		}
		evt.MetadataURI, _ = values[2].(string)
	case EventUpdated:
		evt.MetadataURI, _ = values[1].(string)
	case EventCapabilityIndexed:
		evt.Capability, _ = values[1].(string)
	}
	return evt, nil
}

// lookup 读取链上条目，不解析元数据，也不过滤停用条目。
func (c *ChainClient) lookup(ctx context.Context, id string) (Registration, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Registration{}, xerrors.New(xerrors.CodeInvalidArgument, "agent id is required")
	}
	values, err := c.call(ctx, "getRegistration", id)
	if err != nil {
		return Registration{}, err
	}
	if len(values) != 6 {
		return Registration{}, xerrors.New(xerrors.CodeRegistryUnavailable, "unexpected getRegistration output")
	}
	owner, _ := values[0].(common.Address)
	if owner == (common.Address{}) {
		return Registration{}, notFound(id)
	}
	uri, _ := values[1].(string)
	active, _ := values[2].(bool)
	registeredAt, _ := values[3].(*big.Int)
	index, _ := values[4].(*big.Int)
	capabilities, _ := values[5].([]string)

	reg := Registration{
		ID:           id,
		Owner:        owner.Hex(),
		MetadataURI:  uri,
		Active:       active,
		Capabilities: capabilities,
	}
	if registeredAt != nil {
		reg.RegisteredAt = time.Unix(registeredAt.Int64(), 0).UTC()
	}
	if index != nil {
		reg.Sequence = index.Uint64()
	}
	return reg, nil
}

// resolveAll 并发解析条目与元数据，保持输入顺序；NOT_FOUND 的条目被剔除。
func (c *ChainClient) resolveAll(ctx context.Context, ids []string) ([]Registration, error) {
	results := make([]*Registration, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(resolveConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			reg, err := c.lookup(gctx, id)
			if err != nil {
				if xerrors.CodeOf(err) == xerrors.CodeNotFound {
					return nil
				}
				return err
			}
			if reg.Active {
				meta, err := c.resolver.Resolve(gctx, reg.MetadataURI)
				if err != nil {
					if xerrors.CodeOf(err) == xerrors.CodeNotFound {
						c.logger.Debug("drop counterparty with unresolvable metadata", slog.String("agent_id", id))
						return nil
					}
					return err
				}
				reg.Metadata = meta
			}
			results[i] = &reg
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]Registration, 0, len(ids))
	for _, reg := range results {
		if reg != nil {
			out = append(out, *reg)
		}
	}
	return out, nil
}

func (c *ChainClient) call(ctx context.Context, method string, args ...any) ([]any, error) {
	data, err := c.contract.Pack(method, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode "+method)
	}
	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	out, err := c.caller.Call(callCtx, c.address, data)
	if err != nil {
		if isRevert(err) {
			return nil, xerrors.Wrap(xerrors.CodeNotFound, err, method+" reverted")
		}
		return nil, unavailable(err, "call "+method)
	}
	values, err := c.contract.Unpack(method, out)
	if err != nil {
		return nil, unavailable(err, "decode "+method)
	}
	return values, nil
}

func (c *ChainClient) transact(ctx context.Context, method string, args ...any) error {
	if c.transactor == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "registry client is read-only")
	}
	data, err := c.contract.Pack(method, args...)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode "+method)
	}
	hash, err := c.transactor.Transact(ctx, c.address, data)
	if err != nil {
		if isRevert(err) {
			return xerrors.Wrap(xerrors.CodeConflict, err, method+" reverted")
		}
		return unavailable(err, "send "+method)
	}
	c.logger.Info("registry write submitted", slog.String("method", method), slog.String("tx", hash.Hex()))
	return nil
}

func isRevert(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "execution reverted")
}
