// Кэш диалогов моста: отображение нормализованного идентификатора чата на
// разрешённую сущность с access-hash. Кэш локален для моста и мутируется
// только из его горутин; доступ защищён RW-мьютексом, потому что HTTP-слой
// читает размер и снапшоты конкурентно.
package bridge

import (
	"strings"
	"sync"

	"mtproto-gateway/internal/core/entity"
)

// dialogCache хранит сущности под каноническим peer-id и дублирует их под
// «сырым» идентификатором, чтобы поиск работал для любой записи идентификатора.
type dialogCache struct {
	mu      sync.RWMutex
	entries map[int64]entity.Entity
}

func newDialogCache() *dialogCache {
	return &dialogCache{entries: make(map[int64]entity.Entity)}
}

// Add кладёт сущность под каноническим и сырым ключами. Канонический ключ
// всегда выигрывает при конфликте с сырым дублем другой сущности.
func (c *dialogCache) Add(ent entity.Entity) {
	if ent.ID == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.addLocked(ent)
}

// AddAll добавляет набор сущностей за одну блокировку.
func (c *dialogCache) AddAll(ents []entity.Entity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ent := range ents {
		if ent.ID != 0 {
			c.addLocked(ent)
		}
	}
}

func (c *dialogCache) addLocked(ent entity.Entity) {
	canonical := ent.CanonicalID()
	c.entries[canonical] = ent
	if raw := ent.ID; raw != canonical {
		if _, occupied := c.entries[raw]; !occupied {
			c.entries[raw] = ent
		}
	}
}

// Replace атомарно заменяет содержимое кэша (полный прогрев).
func (c *dialogCache) Replace(ents []entity.Entity) {
	fresh := make(map[int64]entity.Entity, len(ents)*2)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = fresh
	for _, ent := range ents {
		if ent.ID != 0 {
			c.addLocked(ent)
		}
	}
}

// FindByID ищет сущность: сначала прямой ключ, затем скан по сырому id и
// каноническому peer-id.
func (c *dialogCache) FindByID(id int64) (entity.Entity, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if ent, ok := c.entries[id]; ok {
		return ent, true
	}
	for _, ent := range c.entries {
		if ent.ID == id || ent.CanonicalID() == id {
			return ent, true
		}
	}
	return entity.Entity{}, false
}

// FindByUsername ищет сущность по username без учёта регистра и ведущей @.
func (c *dialogCache) FindByUsername(username string) (entity.Entity, bool) {
	uname := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(username)), "@")
	if uname == "" {
		return entity.Entity{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, ent := range c.entries {
		if strings.ToLower(ent.Username) == uname {
			return ent, true
		}
	}
	return entity.Entity{}, false
}

// Size возвращает число записей кэша (включая дубли по сырым ключам).
func (c *dialogCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Entities возвращает дедуплицированный снимок сущностей кэша.
func (c *dialogCache) Entities() []entity.Entity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	seen := make(map[int64]struct{}, len(c.entries))
	out := make([]entity.Entity, 0, len(c.entries))
	for _, ent := range c.entries {
		canonical := ent.CanonicalID()
		if _, dup := seen[canonical]; dup {
			continue
		}
		seen[canonical] = struct{}{}
		out = append(out, ent)
	}
	return out
}
