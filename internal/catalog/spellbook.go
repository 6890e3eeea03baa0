package catalog

import (
	"sort"
	"sync"

	"github.com/rendis/spellcast/pkg/schema"
)

// Spellbook is a thread-safe registry of named spell definitions. Scheduled
// casts reference spells by id, so a spell must be in the book before a
// schedule for it can fire.
type Spellbook struct {
	mu     sync.RWMutex
	spells map[string]*schema.SpellDefinition
}

// NewSpellbook creates an empty Spellbook.
func NewSpellbook() *Spellbook {
	return &Spellbook{spells: make(map[string]*schema.SpellDefinition)}
}

// Put stores a spell definition, replacing any previous version under the
// same spell id.
func (b *Spellbook) Put(spell *schema.SpellDefinition) error {
	if spell == nil || spell.SpellID == "" {
		return schema.NewError(schema.ErrCodeValidation, "spell is nil or has empty spell id")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.spells[spell.SpellID] = spell
	return nil
}

// Get retrieves a spell definition by id.
func (b *Spellbook) Get(spellID string) (*schema.SpellDefinition, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	spell, ok := b.spells[spellID]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "spell %q not found", spellID)
	}
	return spell, nil
}

// List returns all registered spells ordered by spell id.
func (b *Spellbook) List() []*schema.SpellDefinition {
	b.mu.RLock()
	defer b.mu.RUnlock()

	spells := make([]*schema.SpellDefinition, 0, len(b.spells))
	for _, s := range b.spells {
		spells = append(spells, s)
	}
	sort.Slice(spells, func(i, j int) bool {
		return spells[i].SpellID < spells[j].SpellID
	})
	return spells
}
