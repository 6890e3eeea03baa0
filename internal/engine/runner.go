package engine

import (
	"context"

	"github.com/rendis/spellcast/pkg/schema"
)

// SpellSource resolves a spell id to its definition.
type SpellSource interface {
	Get(spellID string) (*schema.SpellDefinition, error)
}

// SpellRunner executes spells by id. It is the bridge between the scheduler,
// which knows only spell ids, and the orchestrator, which takes full
// definitions.
type SpellRunner struct {
	source SpellSource
	orch   *Orchestrator
}

// NewSpellRunner creates a SpellRunner.
func NewSpellRunner(source SpellSource, orch *Orchestrator) *SpellRunner {
	return &SpellRunner{source: source, orch: orch}
}

// ExecuteSpell looks up the spell definition and runs a cast from it.
func (r *SpellRunner) ExecuteSpell(ctx context.Context, spellID, initiatorID string, runtimeParams map[string]map[string]any) error {
	spell, err := r.source.Get(spellID)
	if err != nil {
		return err
	}
	_, err = r.orch.Execute(ctx, spell, initiatorID, runtimeParams)
	return err
}
