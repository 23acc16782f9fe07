package registry

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	xerrors "TaskMesh-Chain/internal/errors"
)

type memoryEntry struct {
	reg          Registration
	capabilities map[string]struct{}
}

// MemoryRegistry 是进程内的追加式注册表，用于本地运行与测试。
type MemoryRegistry struct {
	mu       sync.RWMutex
	owner    string
	resolver Resolver
	entries  map[string]*memoryEntry
	order    []string
	index    map[string][]string
	watchers map[chan Event]struct{}
	now      func() time.Time
}

// NewMemoryRegistry 创建内存注册表，owner 作为写操作的所有者身份。
func NewMemoryRegistry(owner string, resolver Resolver) *MemoryRegistry {
	return &MemoryRegistry{
		owner:    owner,
		resolver: resolver,
		entries:  make(map[string]*memoryEntry),
		index:    make(map[string][]string),
		watchers: make(map[chan Event]struct{}),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// FindByCapability 实现 Client。
func (m *MemoryRegistry) FindByCapability(ctx context.Context, capability string) ([]Registration, error) {
	capability = strings.TrimSpace(capability)
	if capability == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "capability is required")
	}
	m.mu.RLock()
	ids := append([]string(nil), m.index[capability]...)
	m.mu.RUnlock()
	return m.resolveAll(ctx, ids)
}

// Get 实现 Client。
func (m *MemoryRegistry) Get(ctx context.Context, id string) (Registration, error) {
	m.mu.RLock()
	entry, ok := m.entries[id]
	var reg Registration
	if ok {
		reg = cloneRegistration(entry.reg)
	}
	m.mu.RUnlock()
	if !ok || !reg.Active {
		return Registration{}, notFound(id)
	}
	return m.withMetadata(ctx, reg)
}

// Register 实现 Client。重复注册同一 id 视为更新元数据 URI。
func (m *MemoryRegistry) Register(_ context.Context, req RegisterRequest) error {
	id := strings.TrimSpace(req.ID)
	if id == "" || strings.TrimSpace(req.MetadataURI) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "agent id and metadata uri are required")
	}

	m.mu.Lock()
	var events []Event
	if entry, ok := m.entries[id]; ok {
		entry.reg.MetadataURI = req.MetadataURI
		events = append(events, Event{Type: EventUpdated, AgentID: id, MetadataURI: req.MetadataURI, At: m.now()})
	} else {
		m.entries[id] = &memoryEntry{
			reg: Registration{
				ID:           id,
				Owner:        m.owner,
				MetadataURI:  req.MetadataURI,
				Active:       true,
				RegisteredAt: m.now(),
				Sequence:     uint64(len(m.order)),
			},
			capabilities: make(map[string]struct{}),
		}
		m.order = append(m.order, id)
		events = append(events, Event{Type: EventRegistered, AgentID: id, Owner: m.owner, MetadataURI: req.MetadataURI, At: m.now()})
	}
	for _, capability := range req.Capabilities {
		if evt, ok := m.indexLocked(id, capability); ok {
			events = append(events, evt)
		}
	}
	m.mu.Unlock()

	m.broadcast(events...)
	return nil
}

// Deactivate 实现 Client。
func (m *MemoryRegistry) Deactivate(_ context.Context, id string) error {
	m.mu.Lock()
	entry, ok := m.entries[id]
	if !ok {
		m.mu.Unlock()
		return notFound(id)
	}
	entry.reg.Active = false
	m.mu.Unlock()

	m.broadcast(Event{Type: EventDeactivated, AgentID: id, At: m.now()})
	return nil
}

// IndexCapability 实现 Client。
func (m *MemoryRegistry) IndexCapability(_ context.Context, id, capability string) error {
	if strings.TrimSpace(capability) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "capability is required")
	}
	m.mu.Lock()
	if _, ok := m.entries[id]; !ok {
		m.mu.Unlock()
		return notFound(id)
	}
	evt, added := m.indexLocked(id, capability)
	m.mu.Unlock()

	if added {
		m.broadcast(evt)
	}
	return nil
}

// Total 实现 Client。
func (m *MemoryRegistry) Total(_ context.Context) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint64(len(m.order)), nil
}

// List 实现 Client。
func (m *MemoryRegistry) List(ctx context.Context, offset, limit uint64) ([]Registration, error) {
	m.mu.RLock()
	total := uint64(len(m.order))
	if offset >= total {
		m.mu.RUnlock()
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("offset %d out of range (total %d)", offset, total))
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	ids := append([]string(nil), m.order[offset:end]...)
	m.mu.RUnlock()
	return m.resolveAll(ctx, ids)
}

// Watch 实现 Watcher。慢订阅者会丢失事件而不会阻塞写操作。
func (m *MemoryRegistry) Watch(ctx context.Context) (<-chan Event, error) {
	ch := make(chan Event, 64)
	m.mu.Lock()
	m.watchers[ch] = struct{}{}
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.watchers, ch)
		close(ch)
		m.mu.Unlock()
	}()
	return ch, nil
}

func (m *MemoryRegistry) indexLocked(id, capability string) (Event, bool) {
	capability = strings.TrimSpace(capability)
	entry := m.entries[id]
	if _, exists := entry.capabilities[capability]; exists || capability == "" {
		return Event{}, false
	}
	entry.capabilities[capability] = struct{}{}
	entry.reg.Capabilities = append(entry.reg.Capabilities, capability)
	m.index[capability] = append(m.index[capability], id)
	return Event{Type: EventCapabilityIndexed, AgentID: id, Capability: capability, At: m.now()}, true
}

func (m *MemoryRegistry) broadcast(events ...Event) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for ch := range m.watchers {
		for _, evt := range events {
			select {
			case ch <- evt:
			default:
			}
		}
	}
}

func (m *MemoryRegistry) resolveAll(ctx context.Context, ids []string) ([]Registration, error) {
	out := make([]Registration, 0, len(ids))
	for _, id := range ids {
		m.mu.RLock()
		entry, ok := m.entries[id]
		var reg Registration
		if ok {
			reg = cloneRegistration(entry.reg)
		}
		m.mu.RUnlock()
		if !ok {
			continue
		}
		if reg.Active {
			resolved, err := m.withMetadata(ctx, reg)
			if err != nil {
				if xerrors.CodeOf(err) == xerrors.CodeNotFound {
					continue
				}
				return nil, err
			}
			reg = resolved
		}
		out = append(out, reg)
	}
	return out, nil
}

func (m *MemoryRegistry) withMetadata(ctx context.Context, reg Registration) (Registration, error) {
	if m.resolver == nil {
		return reg, nil
	}
	meta, err := m.resolver.Resolve(ctx, reg.MetadataURI)
	if err != nil {
		return Registration{}, err
	}
	reg.Metadata = meta
	return reg, nil
}

func cloneRegistration(reg Registration) Registration {
	reg.Capabilities = append([]string(nil), reg.Capabilities...)
	return reg
}
