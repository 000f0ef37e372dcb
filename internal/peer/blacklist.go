package peer

import (
	"time"

	"github.com/google/uuid"
	cache "github.com/patrickmn/go-cache"
)

const DefaultTTL = 300 * time.Second

// Entry records why a branch was blacklisted.
type Entry struct {
	Reason error
	Since  time.Time
}

// Blacklist holds branches that must not be dialed again until their entry
// expires or they are rediscovered with a different advertisement.
type Blacklist struct {
	c   *cache.Cache
	ttl time.Duration
}

// NewBlacklist returns a blacklist whose entries live for ttl. The cache
// runs no janitor goroutine; expired entries are invisible to lookups and
// are reclaimed by Sweep.
func NewBlacklist(ttl time.Duration) *Blacklist {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Blacklist{c: cache.New(ttl, 0), ttl: ttl}
}

func (b *Blacklist) Add(id uuid.UUID, reason error) {
	b.c.Set(id.String(), Entry{Reason: reason, Since: time.Now()}, cache.DefaultExpiration)
}

func (b *Blacklist) Contains(id uuid.UUID) bool {
	_, ok := b.c.Get(id.String())
	return ok
}

func (b *Blacklist) Get(id uuid.UUID) (Entry, bool) {
	v, ok := b.c.Get(id.String())
	if !ok {
		return Entry{}, false
	}
	return v.(Entry), true
}

func (b *Blacklist) Remove(id uuid.UUID) {
	b.c.Delete(id.String())
}

// Len counts entries including expired ones not yet swept.
func (b *Blacklist) Len() int {
	return b.c.ItemCount()
}

func (b *Blacklist) Sweep() {
	b.c.DeleteExpired()
}

func (b *Blacklist) TTL() time.Duration {
	return b.ttl
}

func (b *Blacklist) Flush() {
	b.c.Flush()
}
