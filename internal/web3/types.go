package web3

import (
	"context"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	gethevent "github.com/ethereum/go-ethereum/event"
)

// ChainSnapshot represents summarized network metadata for health reporting.
type ChainSnapshot struct {
	Name        string `json:"name"`
	ChainID     string `json:"chain_id"`
	BlockNumber string `json:"block_number"`
	Notes       string `json:"notes,omitempty"`
}

// EventSubscription wraps a log subscription so callers can manage lifecycle
// without depending on the go-ethereum event package.
type EventSubscription struct {
	logs <-chan types.Log
	sub  gethevent.Subscription
}

// NewEventSubscription constructs a managed subscription wrapper.
func NewEventSubscription(logs <-chan types.Log, sub gethevent.Subscription) *EventSubscription {
	return &EventSubscription{logs: logs, sub: sub}
}

// Logs returns the channel that receives contract logs.
func (e *EventSubscription) Logs() <-chan types.Log {
	if e == nil {
		return nil
	}
	return e.logs
}

// Err forwards the subscription error channel.
func (e *EventSubscription) Err() <-chan error {
	if e == nil || e.sub == nil {
		return nil
	}
	return e.sub.Err()
}

// Close terminates the subscription.
func (e *EventSubscription) Close() {
	if e == nil || e.sub == nil {
		return
	}
	e.sub.Unsubscribe()
}

// ContractCaller performs read-only contract calls.
type ContractCaller interface {
	Call(ctx context.Context, to common.Address, data []byte) ([]byte, error)
}

// ContractTransactor signs and broadcasts contract calls that mutate state.
type ContractTransactor interface {
	Transact(ctx context.Context, to common.Address, data []byte) (common.Hash, error)
}

// Client is the surface the registry layer needs from an EVM chain.
type Client interface {
	ContractCaller
	ContractTransactor
	FetchChainSnapshot(ctx context.Context) (ChainSnapshot, error)
	SubscribeEvents(ctx context.Context, query gethcore.FilterQuery) (*EventSubscription, error)
	Close()
}
