package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"TaskMesh-Chain/internal/config"
	"TaskMesh-Chain/internal/events"
	"TaskMesh-Chain/internal/integration"
	"TaskMesh-Chain/internal/negotiator"
	"TaskMesh-Chain/internal/payment"
	"TaskMesh-Chain/internal/registry"
	"TaskMesh-Chain/internal/task"
	"TaskMesh-Chain/internal/web3"
	"TaskMesh-Chain/internal/web3/ethereum"
	"TaskMesh-Chain/pkg/logger"
)

// cleanup 按注册的逆序释放资源。
type cleanup []func()

func (c *cleanup) add(fn func()) { *c = append(*c, fn) }

func (c *cleanup) run() {
	for i := len(*c) - 1; i >= 0; i-- {
		(*c)[i]()
	}
}

func closeLogged(name string, closer interface{ Close() error }) func() {
	return func() {
		if err := closer.Close(); err != nil {
			logger.L().Warn("释放资源失败", slog.String("resource", name), slog.Any("error", err))
		}
	}
}

func openTaskStore(ctx context.Context, cfg *config.Config) (task.Store, error) {
	switch cfg.Storage.TaskStore.Driver {
	case "memory":
		return task.NewMemoryStore(), nil
	case "mysql":
		return task.NewMySQLStore(ctx, task.MySQLConfig{
			DSN:             cfg.Storage.TaskStore.DSN,
			MaxOpenConns:    cfg.Storage.TaskStore.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.TaskStore.MaxIdleConns,
			ConnMaxLifetime: cfg.Storage.TaskStore.ConnMaxLifetime,
		})
	default:
		return nil, fmt.Errorf("未知的任务存储驱动: %s", cfg.Storage.TaskStore.Driver)
	}
}

func openQueue(ctx context.Context, cfg *config.Config) (task.Queue, error) {
	switch cfg.Queue.Driver {
	case "memory":
		return task.NewMemoryQueue(cfg.Queue.Buffer), nil
	case "redis":
		queue, err := task.NewRedisQueue(ctx, task.RedisQueueConfig{
			Address:   cfg.Queue.Redis.Address,
			Password:  cfg.Queue.Redis.Password,
			DB:        cfg.Queue.Redis.DB,
			Queue:     cfg.Queue.Redis.Queue,
			BlockWait: cfg.Queue.Redis.BlockWait,
		})
		if err != nil {
			return nil, err
		}
		// 上次进程退出时仍在 processing 列表中的任务重新入队。
		recovered, err := queue.Recover(ctx)
		if err != nil {
			_ = queue.Close()
			return nil, err
		}
		if recovered > 0 {
			logger.L().Info("已恢复未完成的队列任务", slog.Int("count", recovered))
		}
		return queue, nil
	case "rabbitmq":
		return task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:        cfg.Queue.RabbitMQ.URL,
			Queue:      cfg.Queue.RabbitMQ.Queue,
			Prefetch:   cfg.Queue.RabbitMQ.Prefetch,
			Durable:    cfg.Queue.RabbitMQ.Durable,
			AutoDelete: cfg.Queue.RabbitMQ.AutoDelete,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Queue.Driver)
	}
}

// openRecorder 组装事件记录器：唤醒信号走本地 Bus 或 Redis 广播，可选镜像到 RabbitMQ。
func openRecorder(ctx context.Context, cfg *config.Config, store task.Store, release *cleanup) (*task.Recorder, error) {
	opts := []task.RecorderOption{}
	switch cfg.Events.Notifier {
	case "memory":
		opts = append(opts, task.WithSignal(events.NewBus()))
	case "redis":
		notifier, err := events.NewRedisNotifier(ctx, events.RedisConfig{
			Address:  cfg.Events.Redis.Address,
			Password: cfg.Events.Redis.Password,
			DB:       cfg.Events.Redis.DB,
			Channel:  cfg.Events.Channel,
			Buffer:   cfg.Events.SubscriberBuffer,
		})
		if err != nil {
			return nil, err
		}
		release.add(closeLogged("event notifier", notifier))
		opts = append(opts, task.WithSignal(notifier))
	default:
		return nil, fmt.Errorf("未知的事件通知驱动: %s", cfg.Events.Notifier)
	}

	if cfg.Events.Mirror.Enabled {
		mirror, err := events.NewAMQPMirror(events.MirrorConfig{
			URL:      cfg.Events.Mirror.URL,
			Exchange: cfg.Events.Mirror.Exchange,
			Buffer:   cfg.Events.SubscriberBuffer,
		})
		if err != nil {
			return nil, err
		}
		go mirror.Run(ctx)
		release.add(closeLogged("event mirror", mirror))
		opts = append(opts, task.WithMirror(mirror))
	}
	return task.NewRecorder(store, opts...), nil
}

// openRegistry 返回带读重试的注册表客户端。
func openRegistry(ctx context.Context, cfg *config.Config, release *cleanup) (*registry.Retrying, error) {
	resolver := registry.NewHTTPResolver(cfg.Registry.MetadataGateway, cfg.Registry.MetadataTimeout)

	var base registry.Client
	switch cfg.Registry.Driver {
	case "memory":
		mem := registry.NewMemoryRegistry("operator", resolver)
		for _, seed := range cfg.Registry.Seed {
			if err := mem.Register(ctx, registry.RegisterRequest{
				ID:           seed.ID,
				MetadataURI:  seed.MetadataURI,
				Capabilities: seed.Capabilities,
			}); err != nil {
				return nil, fmt.Errorf("预置对手方 %s 失败: %w", seed.ID, err)
			}
		}
		base = mem
	case "chain":
		chain, closeChain, err := openChainRegistry(ctx, cfg, resolver)
		if err != nil {
			return nil, err
		}
		release.add(closeChain)
		base = chain
	default:
		return nil, fmt.Errorf("未知的注册表驱动: %s", cfg.Registry.Driver)
	}
	return registry.NewRetrying(base, cfg.Registry.RetryAttempts, cfg.Registry.RetryBaseDelay), nil
}

func openChainRegistry(ctx context.Context, cfg *config.Config, resolver registry.Resolver) (*registry.ChainClient, func(), error) {
	var def web3.ChainDefinition
	if cfg.Registry.ChainsFile != "" {
		defs, err := web3.LoadChainDefinitions(cfg.Registry.ChainsFile)
		if err != nil {
			return nil, nil, err
		}
		if def, err = defs.Lookup(cfg.Registry.Chain); err != nil {
			return nil, nil, err
		}
	}

	rpcURL := firstNonEmpty(cfg.Registry.RPCURL, def.RPCURL)
	address := firstNonEmpty(cfg.Registry.ContractAddress, def.RegistryAddress)
	if !common.IsHexAddress(address) {
		return nil, nil, fmt.Errorf("注册表合约地址无效: %q", address)
	}

	client, err := ethereum.NewClient(ctx, ethereum.Config{
		Name:       firstNonEmpty(cfg.Registry.Chain, "default"),
		RPCURL:     rpcURL,
		WSURL:      def.WSURL,
		PrivateKey: cfg.RegistryPrivateKey(),
		ChainID:    def.ChainID,
	})
	if err != nil {
		return nil, nil, err
	}
	chain, err := registry.NewChainClient(client, common.HexToAddress(address), resolver,
		registry.WithCallTimeout(cfg.Registry.CallTimeout))
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	return chain, client.Close, nil
}

func openArtifactStore(ctx context.Context, cfg *config.Config, release *cleanup) (integration.Store, error) {
	switch cfg.Storage.Artifacts.Driver {
	case "memory":
		return integration.NewMemoryStore(), nil
	case "redis":
		store, err := integration.NewRedisStore(ctx, integration.RedisStoreConfig{
			Address:  cfg.Storage.Artifacts.Redis.Address,
			Password: cfg.Storage.Artifacts.Redis.Password,
			DB:       cfg.Storage.Artifacts.Redis.DB,
			Prefix:   cfg.Storage.Artifacts.Prefix,
		})
		if err != nil {
			return nil, err
		}
		release.add(closeLogged("artifact store", store))
		return store, nil
	default:
		return nil, fmt.Errorf("未知的制品存储驱动: %s", cfg.Storage.Artifacts.Driver)
	}
}

func newSettler(cfg *config.Config) (negotiator.Settler, error) {
	switch cfg.Negotiator.Settler {
	case "accept":
		return negotiator.AcceptAll{}, nil
	case "http":
		return negotiator.NewHTTPSettler("taskmesh", cfg.Negotiator.SettleTimeout), nil
	default:
		return nil, fmt.Errorf("未知的议价方式: %s", cfg.Negotiator.Settler)
	}
}

func newPaymentGate(cfg *config.Config) (task.PaymentGate, error) {
	switch cfg.Payment.Driver {
	case "budget":
		return payment.NewBudgetGate(cfg.Payment.Budget), nil
	case "allow":
		return payment.AllowAll{}, nil
	default:
		return nil, fmt.Errorf("未知的支付驱动: %s", cfg.Payment.Driver)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
