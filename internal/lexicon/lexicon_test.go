package lexicon

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCompiles(t *testing.T) {
	t.Parallel()

	lx, err := Default()
	require.NoError(t, err)

	assert.NotEmpty(t, lx.ValidIntents)
	assert.NotEmpty(t, lx.Confusion)
	assert.NotEmpty(t, lx.AuthorClaims)
	assert.NotEmpty(t, lx.EquityRedact)
	assert.Contains(t, lx.CapitalizedStoplist, "Y")
	assert.Contains(t, lx.CapitalizedStoplist, "Así")
	assert.Contains(t, lx.NeedsClauses["confusion"], "confusión")
	assert.Equal(t, "Sin respuesta.", lx.Texts.EmptyReply)
	assert.Equal(t, "🤔 Pregunta para profundizar:", lx.Texts.FollowUpPrefix)
	for _, kind := range []string{"explain", "summarize", "deep", "question", "default"} {
		assert.NotEmpty(t, lx.Actions[kind], kind)
	}
	require.Len(t, lx.Bloom, 6)
	for i, l := range lx.Bloom {
		assert.Equal(t, i+1, l.ID)
		assert.NotEmpty(t, l.Keywords, l.Name)
	}
	assert.Contains(t, lx.Bloom[3].Keywords, "por qué")
}

func TestBloomLevelsAreSortedAndLowered(t *testing.T) {
	t.Parallel()

	lx, err := Parse([]byte(`
needs: {confusion: ['no entiendo']}
self_reference: {cues: [dije]}
actions: {default: 'x'}
bloom:
  - {id: 2, name: Comprender, keywords: [' Significa ', '']}
  - {id: 1, name: Recordar, keywords: [Quién]}
`))
	require.NoError(t, err)
	require.Len(t, lx.Bloom, 2)
	assert.Equal(t, "Recordar", lx.Bloom[0].Name)
	assert.Equal(t, []string{"quién"}, lx.Bloom[0].Keywords)
	assert.Equal(t, []string{"significa"}, lx.Bloom[1].Keywords)
}

func TestNeedsPatterns(t *testing.T) {
	t.Parallel()

	lx := MustDefault()
	assert.Positive(t, CountMatches(lx.Confusion, "no entiendo qué significa esto"))
	assert.Zero(t, CountMatches(lx.Frustration, "no entiendo qué significa esto"))
	assert.Zero(t, CountMatches(lx.Frustration, "es suficiente"))
	assert.True(t, AnyMatch(lx.Insight, "Creo que el mar representa la soledad"))
}

func TestAuthorClaimMatchesAtEndOfText(t *testing.T) {
	t.Parallel()

	lx := MustDefault()
	m := lx.AuthorClaims[0].FindStringSubmatch("Sin duda el autor se llama Borges")
	require.Len(t, m, 2)
	assert.Equal(t, "Borges", m[1])

	m = lx.AuthorClaims[0].FindStringSubmatch("El autor se llama Jorge Luis Borges y escribe sobre laberintos.")
	require.Len(t, m, 2)
	assert.Equal(t, "Jorge Luis Borges", m[1])

	assert.Nil(t, lx.AuthorClaims[0].FindStringSubmatch("el autor es muy claro en este punto"))
}

func TestEquityRedaction(t *testing.T) {
	t.Parallel()

	lx := MustDefault()
	in := "eres un retrasado"
	require.True(t, AnyMatch(lx.EquityDetect, in))

	out := in
	for _, r := range lx.EquityRedact {
		out = r.Pattern.ReplaceAllString(out, r.Replace)
	}
	assert.Equal(t, "eres un r***do", out)
}

func TestLoadOverrideFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "lexicon.yaml")
	require.NoError(t, os.WriteFile(path, defaultYAML, 0o600))

	lx, err := Load(path)
	require.NoError(t, err)
	assert.NotEmpty(t, lx.Texts.Steer)
}

func TestParseRejectsBadPattern(t *testing.T) {
	t.Parallel()

	_, err := Parse([]byte("valid_intents: ['(unclosed']\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "valid_intents[0]")
}

func TestParseRejectsMissingTables(t *testing.T) {
	t.Parallel()

	_, err := Parse([]byte("valid_intents: ['explica']\n"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrEmptyTable))
}
