package registry

import (
	"context"
	"encoding/json"
	"time"

	xerrors "TaskMesh-Chain/internal/errors"
)

// Registration 是能力注册表中的对手方条目，对编排核心只读。
type Registration struct {
	ID           string    `json:"id"`
	Owner        string    `json:"owner"`
	MetadataURI  string    `json:"metadata_uri"`
	Active       bool      `json:"active"`
	RegisteredAt time.Time `json:"registered_at"`
	// Sequence 是注册表内的注册序号，用作排序的最终决胜条件。
	Sequence     uint64   `json:"sequence"`
	Capabilities []string `json:"capabilities"`
	Metadata     Metadata `json:"metadata"`
}

// Metadata 是通过 MetadataURI 在注册表之外获取的对手方描述。
type Metadata struct {
	Name           string   `json:"name"`
	Description    string   `json:"description,omitempty"`
	Endpoint       string   `json:"endpoint"`
	NegotiationURL string   `json:"negotiation_url,omitempty"`
	Pricing        Pricing  `json:"pricing"`
	Verified       bool     `json:"verified"`
	Reputation     float64  `json:"reputation_score"`
	Capabilities   []string `json:"capabilities,omitempty"`
	// Integration 是对手方声明的能力契约，结构由 integration 包解析校验。
	Integration json.RawMessage `json:"integration,omitempty"`
}

// RegisterRequest 描述一次注册写操作。
type RegisterRequest struct {
	ID           string   `json:"id"`
	MetadataURI  string   `json:"metadata_uri"`
	Capabilities []string `json:"capabilities"`
}

// Client 是能力注册表的类型化读写接口。
type Client interface {
	// FindByCapability 按注册表原生顺序返回声明了该能力的条目。
	FindByCapability(ctx context.Context, capability string) ([]Registration, error)
	// Get 返回指定条目，不存在或已停用时返回 NOT_FOUND。
	Get(ctx context.Context, id string) (Registration, error)
	Register(ctx context.Context, req RegisterRequest) error
	Deactivate(ctx context.Context, id string) error
	IndexCapability(ctx context.Context, id, capability string) error
	Total(ctx context.Context) (uint64, error)
	// List 分页返回条目，offset 不小于总数时返回 INVALID_ARGUMENT。
	List(ctx context.Context, offset, limit uint64) ([]Registration, error)
}

// Watcher 由能够推送注册表事件的实现提供。
type Watcher interface {
	Watch(ctx context.Context) (<-chan Event, error)
}

// EventType 表示注册表事件类型。
type EventType string

const (
	EventRegistered        EventType = "registered"
	EventUpdated           EventType = "updated"
	EventDeactivated       EventType = "deactivated"
	EventCapabilityIndexed EventType = "capability_indexed"
)

// Event 是注册表对外发出的变更通知。
type Event struct {
	Type        EventType `json:"type"`
	AgentID     string    `json:"agent_id"`
	Owner       string    `json:"owner,omitempty"`
	MetadataURI string    `json:"metadata_uri,omitempty"`
	Capability  string    `json:"capability,omitempty"`
	BlockNumber uint64    `json:"block_number,omitempty"`
	TxHash      string    `json:"tx_hash,omitempty"`
	At          time.Time `json:"at"`
}

func notFound(id string) error {
	return xerrors.New(xerrors.CodeNotFound, "counterparty not found or inactive", xerrors.WithMetadata("agent_id", id))
}

func unavailable(cause error, message string) error {
	if e, ok := xerrors.From(cause); ok && e.Code() == xerrors.CodeNotFound {
		return cause
	}
	return xerrors.Wrap(xerrors.CodeRegistryUnavailable, cause, message)
}
