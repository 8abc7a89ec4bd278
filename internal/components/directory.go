package components

import (
	"sync"

	"github.com/udisondev/mmolobby/internal/channel"
	"github.com/udisondev/mmolobby/internal/protocol"
)

// Record описывает известный компонент кластера. Запись переживает
// разрыв канала: Channel обнуляется, метаданные остаются.
type Record struct {
	Kind         protocol.ComponentKind
	ID           uint64
	InternalAddr string
	ExternalAddr string
	GroupOrder   int32
	GlobalOrder  int32
	Channel      *channel.Channel // nil — компонент анонсирован, но не подключён
}

// Live сообщает, есть ли у записи живой канал и ненулевой ID.
func (r *Record) Live() bool {
	return r != nil && r.Channel != nil && r.ID != 0
}

// Directory — каталог известных компонентов-пиров. Для singleton-ролей
// (dbmgr, baseappmgr) хранится не более одного экземпляра, для
// реплицируемых (loginapp) — множество.
type Directory struct {
	mu      sync.Mutex
	records []*Record
}

// NewDirectory создаёт пустой каталог.
func NewDirectory() *Directory {
	return &Directory{}
}

// Register добавляет компонент или замещает существующую запись того же
// kind+id; для singleton-ролей (dbmgr, baseappmgr) замещается запись роли
// независимо от id.
func (d *Directory) Register(rec *Record) {
	d.mu.Lock()
	defer d.mu.Unlock()
	singleton := rec.Kind == protocol.KindDbmgr || rec.Kind == protocol.KindBaseappmgr
	for i, r := range d.records {
		if r.Kind == rec.Kind && (singleton || r.ID == rec.ID) {
			d.records[i] = rec
			return
		}
	}
	d.records = append(d.records, rec)
}

// DropChannel обнуляет канал у всех записей, использующих его.
// Запись остаётся: пир анонсирован, но недоступен (SRV_NO_READY).
func (d *Directory) DropChannel(ch *channel.Channel) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, r := range d.records {
		if r.Channel == ch {
			r.Channel = nil
		}
	}
}

// First возвращает первую запись указанной роли, nil если нет.
func (d *Directory) First(kind protocol.ComponentKind) *Record {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, r := range d.records {
		if r.Kind == kind {
			return r
		}
	}
	return nil
}

// Dbmgr возвращает запись компонента базы данных.
func (d *Directory) Dbmgr() *Record {
	return d.First(protocol.KindDbmgr)
}

// Baseappmgr возвращает запись gateway-директории.
func (d *Directory) Baseappmgr() *Record {
	return d.First(protocol.KindBaseappmgr)
}

// Logins возвращает все известные login-узлы.
func (d *Directory) Logins() []*Record {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*Record
	for _, r := range d.records {
		if r.Kind == protocol.KindLoginapp {
			out = append(out, r)
		}
	}
	return out
}

// LeaderLogin возвращает login-узел с минимальным group-order: он
// публикует внешний HTTP-хост в письмах активации и владеет HTTP
// callback-обработчиком.
func (d *Directory) LeaderLogin() *Record {
	d.mu.Lock()
	defer d.mu.Unlock()
	var leader *Record
	for _, r := range d.records {
		if r.Kind != protocol.KindLoginapp {
			continue
		}
		if leader == nil || r.GroupOrder < leader.GroupOrder {
			leader = r
		}
	}
	return leader
}
