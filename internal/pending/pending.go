package pending

import (
	"sync"
	"time"

	"github.com/udisondev/mmolobby/internal/protocol"
)

// DefaultTTL — время жизни pending-записи без ответа от dbmgr.
const DefaultTTL = 60 * time.Second

// Record — учёт одной in-flight операции над аккаунтом между клиентом и
// dbmgr. Записи переживают породивший их канал: клиент может отключиться
// до ответа базы.
type Record struct {
	AccountName     string
	Password        string
	ClientKind      protocol.ClientKind
	Data            []byte
	Addr            string
	LastProcessedAt time.Time
}

// Table — таблица pending-запросов, ключ — имя аккаунта (уникален).
// Инвариант: не более одной записи на имя. Process() вызывается каждый
// тик и выбрасывает записи старше TTL.
type Table struct {
	mu  sync.Mutex
	m   map[string]*Record
	ttl time.Duration
}

// NewTable создаёт таблицу с указанным TTL (0 — DefaultTTL).
func NewTable(ttl time.Duration) *Table {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Table{
		m:   make(map[string]*Record),
		ttl: ttl,
	}
}

// Add регистрирует запись. Если ключ уже занят — молча отказывает и
// возвращает false: вызывающие обязаны предварительно проверять Find.
func (t *Table) Add(rec *Record) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.m[rec.AccountName]; ok {
		return false
	}
	if rec.LastProcessedAt.IsZero() {
		rec.LastProcessedAt = time.Now()
	}
	t.m[rec.AccountName] = rec
	return true
}

// Find возвращает запись по имени, nil если отсутствует.
func (t *Table) Find(accountName string) *Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.m[accountName]
}

// Remove удаляет и возвращает запись, nil если отсутствует.
func (t *Table) Remove(accountName string) *Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec := t.m[accountName]
	if rec != nil {
		delete(t.m, accountName)
	}
	return rec
}

// RemoveByAddr удаляет все записи, принадлежащие адресу (клиент отключился
// до ответа базы). Возвращает удалённые записи.
func (t *Table) RemoveByAddr(addr string) []*Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	var removed []*Record
	for name, rec := range t.m {
		if rec.Addr == addr {
			removed = append(removed, rec)
			delete(t.m, name)
		}
	}
	return removed
}

// Process выбрасывает записи старше TTL. Возвращает количество удалённых.
func (t *Table) Process() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	expired := 0
	for name, rec := range t.m {
		if now.Sub(rec.LastProcessedAt) > t.ttl {
			delete(t.m, name)
			expired++
		}
	}
	return expired
}

// Len возвращает количество записей.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.m)
}
