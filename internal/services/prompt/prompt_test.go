package prompt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stoa-app/coach-engine/internal/models"
	"github.com/stoa-app/coach-engine/internal/persona"
)

func marcusProfile(t *testing.T) *persona.Profile {
	t.Helper()
	p, err := persona.NewStore().Get("marcus")
	require.NoError(t, err)
	return p
}

func TestBuildOrdersSections(t *testing.T) {
	b := NewBuilder(20)

	history := []models.Message{
		{Role: "user", Content: "How do I start?"},
		{Role: "assistant", Content: "Begin with the morning."},
	}
	chunks := []models.KnowledgeChunk{
		{ID: "meditations-1", Work: "Meditations", Section: "Book 2", Content: "Begin the morning by saying to yourself..."},
	}

	msgs := b.Build(marcusProfile(t), "I feel stuck.", history, chunks, models.UserContext{})

	require.Len(t, msgs, 5)
	assert.Equal(t, "system", msgs[0].Role)
	assert.Equal(t, "system", msgs[1].Role)
	assert.Contains(t, msgs[1].Content, "[[meditations-1]]")
	assert.Equal(t, history[0], msgs[2])
	assert.Equal(t, history[1], msgs[3])
	assert.Equal(t, "user", msgs[4].Role)
	assert.Equal(t, "I feel stuck.", msgs[4].Content)
}

func TestBuildIsDeterministic(t *testing.T) {
	b := NewBuilder(20)
	chunks := []models.KnowledgeChunk{
		{ID: "letters-3", Work: "Letters to Lucilius", Content: "It is not that we have a short time to live..."},
	}
	userCtx := models.UserContext{PreferredVirtue: "temperance"}

	first := b.Build(marcusProfile(t), "I feel stuck.", nil, chunks, userCtx)
	second := b.Build(marcusProfile(t), "I feel stuck.", nil, chunks, userCtx)

	assert.Equal(t, first, second)
}

func TestBuildWithoutChunksOmitsKnowledgeBlock(t *testing.T) {
	b := NewBuilder(20)

	msgs := b.Build(marcusProfile(t), "I feel stuck.", nil, nil, models.UserContext{})

	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].Role)
	assert.Equal(t, "user", msgs[1].Role)
	assert.NotContains(t, msgs[0].Content, "Knowledge snippets")
}

func TestBuildCapsHistory(t *testing.T) {
	b := NewBuilder(4)

	history := make([]models.Message, 10)
	for i := range history {
		history[i] = models.Message{Role: "user", Content: string(rune('a' + i))}
	}

	msgs := b.Build(marcusProfile(t), "latest", history, nil, models.UserContext{})

	// system + 4 history turns + user
	require.Len(t, msgs, 6)
	assert.Equal(t, history[6], msgs[1])
	assert.Equal(t, history[9], msgs[4])
}

func TestBuildAppendsPreferredVirtueHint(t *testing.T) {
	b := NewBuilder(20)

	msgs := b.Build(marcusProfile(t), "I feel stuck.", nil, nil, models.UserContext{PreferredVirtue: "courage"})

	last := msgs[len(msgs)-1]
	assert.Contains(t, last.Content, "I feel stuck.")
	assert.Contains(t, last.Content, "courage")
}

func TestBuildInstructsInlineCitations(t *testing.T) {
	b := NewBuilder(20)

	msgs := b.Build(marcusProfile(t), "I feel stuck.", nil, nil, models.UserContext{})

	assert.Contains(t, msgs[0].Content, "[[chunk-id]]")
	assert.Contains(t, msgs[0].Content, "Do not append a citations")
}
