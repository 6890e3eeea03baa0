package engine

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/spellcast/internal/store"
	"github.com/rendis/spellcast/pkg/schema"
)

type mapSpellSource map[string]*schema.SpellDefinition

func (m mapSpellSource) Get(spellID string) (*schema.SpellDefinition, error) {
	spell, ok := m[spellID]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "spell %q not found", spellID)
	}
	return spell, nil
}

func TestSpellRunnerExecutesByID(t *testing.T) {
	h := newHarness(t)
	h.registerImmediate(t, "image_gen", nil, nil, &schema.StepResult{
		Status:  schema.GenerationStatusCompleted,
		Output:  json.RawMessage(`{"data":{"images":[{"url":"https://cdn/img.png"}]}}`),
		CostUSD: 0.012,
	})
	h.registerImmediate(t, "video_gen", nil, nil, &schema.StepResult{
		Status:  schema.GenerationStatusCompleted,
		Output:  json.RawMessage(`{"url":"https://cdn/vid.mp4"}`),
		CostUSD: 0.034,
	})

	spell := imageSpell()
	runner := NewSpellRunner(mapSpellSource{spell.SpellID: spell}, h.orch)

	require.NoError(t, runner.ExecuteSpell(context.Background(), spell.SpellID, "scheduler", nil))

	casts, err := h.store.ListCasts(context.Background(), store.CastFilter{SpellID: spell.SpellID})
	require.NoError(t, err)
	require.Len(t, casts, 1)
	assert.Equal(t, schema.CastStatusCompleted, casts[0].Status)
	assert.Equal(t, "scheduler", casts[0].InitiatorID)
}

func TestSpellRunnerUnknownSpell(t *testing.T) {
	h := newHarness(t)
	runner := NewSpellRunner(mapSpellSource{}, h.orch)

	err := runner.ExecuteSpell(context.Background(), "missing", "scheduler", nil)
	var castErr *schema.CastError
	require.ErrorAs(t, err, &castErr)
	assert.Equal(t, schema.ErrCodeNotFound, castErr.Code)
}
