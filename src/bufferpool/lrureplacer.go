package bufferpool

import (
	"container/list"
	"sync"

	"github.com/go-faster/errors"

	"github.com/Blackdeer1524/SimpleDB/src/pkg/assert"
	"github.com/Blackdeer1524/SimpleDB/src/pkg/common"
)

var ErrNoVictim = errors.New("no victim available")

// LRUReplacer tracks evictable pages, least recently unpinned first.
type LRUReplacer struct {
	mu     sync.Mutex
	lru    *list.List
	frames map[common.PageIdentity]*list.Element
}

var (
	_ Replacer = &LRUReplacer{}
)

func NewLRUReplacer() *LRUReplacer {
	return &LRUReplacer{
		lru:    list.New(),
		frames: make(map[common.PageIdentity]*list.Element),
	}
}

// Pin makes the page ineligible for eviction.
func (l *LRUReplacer) Pin(pageIdent common.PageIdentity) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if elem, ok := l.frames[pageIdent]; ok {
		l.lru.Remove(elem)
		delete(l.frames, pageIdent)
	}
}

// Unpin makes the page evictable. Unpinning an evictable page keeps its
// position.
func (l *LRUReplacer) Unpin(pageIdent common.PageIdentity) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.frames[pageIdent]; exists {
		return
	}

	l.frames[pageIdent] = l.lru.PushFront(pageIdent)
}

func (l *LRUReplacer) ChooseVictim() (common.PageIdentity, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	elem := l.lru.Back()
	if elem == nil {
		return common.PageIdentity{}, ErrNoVictim
	}

	pageIdent := assert.Cast[common.PageIdentity](l.lru.Remove(elem))
	delete(l.frames, pageIdent)

	return pageIdent, nil
}

func (l *LRUReplacer) GetSize() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	return uint64(len(l.frames))
}
