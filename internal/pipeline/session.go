package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"QueryPilot/internal/memory"
)

// Session 是一个会话的记忆。同一会话的轮次串行执行。
type Session struct {
	ID     string
	Memory *memory.Conversation

	turn   sync.Mutex
	loaded bool

	// users 与 lastUsed 由 SessionManager.mu 保护。
	users    int
	lastUsed time.Time
}

// DefaultResidentSessions 是进程内最多常驻的会话数量。
const DefaultResidentSessions = 1024

// SessionManager 按 ID 分发互相隔离的会话，并把记忆写回持久化存储。
// 常驻会话超过上限时，最久未使用的空闲会话被移出进程，下次使用时再从存储恢复。
type SessionManager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	store    memory.Store
	capacity int
	resident int
}

// NewSessionManager 创建会话管理器。store 为空时只保存在进程内。
func NewSessionManager(store memory.Store, capacity int) *SessionManager {
	if store == nil {
		store = memory.NewMemoryStore()
	}
	return &SessionManager{
		sessions: make(map[string]*Session),
		store:    store,
		capacity: capacity,
		resident: DefaultResidentSessions,
	}
}

// SetResidentLimit 调整常驻会话上限，n <= 0 时恢复默认值。
func (m *SessionManager) SetResidentLimit(n int) {
	if n <= 0 {
		n = DefaultResidentSessions
	}
	m.mu.Lock()
	m.resident = n
	m.evictLocked()
	m.mu.Unlock()
}

// NewSessionID 生成新的会话 ID。
func NewSessionID() string {
	return uuid.NewString()
}

// Acquire 取得会话并锁定，调用方必须调用返回的 release。
// 会话第一次出现时从存储中恢复记忆。
func (m *SessionManager) Acquire(ctx context.Context, id string) (*Session, func(), error) {
	if id == "" {
		id = NewSessionID()
	}
	m.mu.Lock()
	session, exists := m.sessions[id]
	if !exists {
		session = &Session{ID: id, Memory: memory.New(m.capacity)}
		m.sessions[id] = session
	}
	session.users++
	m.mu.Unlock()

	session.turn.Lock()
	if !session.loaded {
		turns, err := m.store.Load(ctx, id)
		if err != nil {
			session.turn.Unlock()
			m.release(session)
			return nil, nil, err
		}
		session.Memory.Restore(turns)
		session.loaded = true
	}
	var once sync.Once
	return session, func() {
		once.Do(func() {
			session.turn.Unlock()
			m.release(session)
		})
	}, nil
}

func (m *SessionManager) release(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.users--
	s.lastUsed = time.Now()
	m.evictLocked()
}

// evictLocked 移出最久未使用的空闲会话，直到数量不超过上限。
// 正在使用的会话不会被移出。
func (m *SessionManager) evictLocked() {
	for len(m.sessions) > m.resident {
		var victim *Session
		for _, s := range m.sessions {
			if s.users > 0 {
				continue
			}
			if victim == nil || s.lastUsed.Before(victim.lastUsed) {
				victim = s
			}
		}
		if victim == nil {
			return
		}
		m.dropLocked(victim.ID)
	}
}

// Persist 把会话记忆写回存储。调用方需持有会话锁。
func (m *SessionManager) Persist(ctx context.Context, s *Session) error {
	return m.store.Save(ctx, s.ID, s.Memory.Snapshot())
}

// Drop 从进程内移除会话，不影响持久化存储。
func (m *SessionManager) Drop(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropLocked(id)
}

func (m *SessionManager) dropLocked(id string) {
	delete(m.sessions, id)
}

// Len 返回进程内的会话数量。
func (m *SessionManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
