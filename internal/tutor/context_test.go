package tutor

import (
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/lectura-tutor/internal/domain"
	"github.com/ashureev/lectura-tutor/internal/lexicon"
)

func TestAssemblerMessageOrder(t *testing.T) {
	t.Parallel()

	lx := lexicon.MustDefault()
	a := NewAssembler(lx, DefaultTuning())
	history := []domain.Message{
		msg(domain.RoleUser, "¿qué es la memoria aquí?"),
		msg(domain.RoleAssistant, "Es el puente entre las islas."),
		msg(domain.RoleError, domain.WarningMarker+" Error del servidor."),
		msg(domain.RoleSteering, lx.Texts.Steer),
	}

	req := a.Build(Turn{
		Context:     RequestContext{Fragment: islandsFragment, FullText: "Texto completo. " + islandsFragment},
		History:     history,
		UserContent: "Pregunta final",
	})

	require.Len(t, req.Messages, 6)
	assert.Equal(t, "system", req.Messages[0].Role)
	assert.Equal(t, "user", req.Messages[1].Role)
	assert.Equal(t, "assistant", req.Messages[2].Role)
	assert.Equal(t, "assistant", req.Messages[3].Role, "steering is replayed as assistant")
	assert.Contains(t, req.Messages[4].Content, lx.Texts.FragmentLabel)
	assert.Contains(t, req.Messages[4].Content, lx.Texts.FullTextLabel)
	assert.Equal(t, "Pregunta final", lastUserContent(req))
	for _, m := range req.Messages {
		assert.NotContains(t, m.Content, "Error del servidor")
	}

	omit := a.Build(Turn{
		Context:      RequestContext{Fragment: islandsFragment},
		UserContent:  "x",
		OmitFragment: true,
	})
	assert.Len(t, omit.Messages, 2, "no snippet when only the fragment is set and already quoted")
}

func TestAssemblerLengthAndTemperature(t *testing.T) {
	t.Parallel()

	lx := lexicon.MustDefault()
	a := NewAssembler(lx, DefaultTuning())

	tests := []struct {
		name       string
		rc         RequestContext
		content    string
		wantTokens int
		wantTemp   float64
		contains   []string
	}{
		{
			name:       "brief analytical",
			rc:         RequestContext{LengthMode: LengthBrief, Temperature: 0.3},
			content:    "hola",
			wantTokens: 400,
			wantTemp:   0.3,
			contains:   []string{lx.Texts.LengthBrief, lx.Texts.CreativityAnalytical},
		},
		{
			name:       "detailed creative",
			rc:         RequestContext{LengthMode: LengthDetailed, Temperature: 0.95},
			content:    "hola",
			wantTokens: 1200,
			wantTemp:   0.95,
			contains:   []string{lx.Texts.LengthDetailed, lx.Texts.CreativityCreative},
		},
		{
			name:       "auto list with default temperature",
			rc:         RequestContext{LengthMode: LengthAuto},
			content:    "dame una lista de ejemplos",
			wantTokens: 800,
			wantTemp:   0.7,
			contains:   []string{lx.Texts.LengthAutoList, lx.Texts.CreativityPedagogical},
		},
		{
			name:       "auto concise",
			rc:         RequestContext{},
			content:    "haz un resumen",
			wantTokens: 800,
			wantTemp:   0.7,
			contains:   []string{lx.Texts.LengthAutoConcise},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := a.Build(Turn{Context: tt.rc, UserContent: tt.content})
			assert.Equal(t, tt.wantTokens, req.MaxTokens)
			assert.InDelta(t, tt.wantTemp, req.Temperature, 1e-9)
			for _, want := range tt.contains {
				assert.Contains(t, systemPrompt(req), want)
			}
		})
	}
}

func TestAssemblerTrimsHistoryAndFullText(t *testing.T) {
	t.Parallel()

	tuning := DefaultTuning()
	a := NewAssembler(lexicon.MustDefault(), tuning)

	var history []domain.Message
	for i := 0; i < 20; i++ {
		history = append(history, msg(domain.RoleAssistant, fmt.Sprintf("r%02d ", i)+strings.Repeat("a", 600)))
	}
	full := strings.Repeat("b", 2000)
	req := a.Build(Turn{
		Context:     RequestContext{FullText: full, Summary: "resumen fijo"},
		History:     history,
		UserContent: "x",
	})

	require.Len(t, req.Messages, 1+tuning.HistoryWindow+2)
	assert.True(t, strings.HasPrefix(req.Messages[1].Content, "r08 "))
	assert.Equal(t, tuning.HistoryMessageChars+1, utf8.RuneCountInString(req.Messages[1].Content))

	snippet := req.Messages[len(req.Messages)-2].Content
	assert.Contains(t, snippet, strings.Repeat("b", tuning.FullTextLimit)+"…")
	assert.NotContains(t, snippet, strings.Repeat("b", tuning.FullTextLimit+1))
	assert.Contains(t, systemPrompt(req), "resumen fijo")
}

func TestAssemblerPhaseMarkerAndSummary(t *testing.T) {
	t.Parallel()

	lx := lexicon.MustDefault()
	a := NewAssembler(lx, DefaultTuning())

	short := a.Build(Turn{UserContent: "hola"})
	assert.Contains(t, systemPrompt(short), "[Turno 1, fase "+lx.Texts.PhaseInitial)

	var history []domain.Message
	for i := 0; i < 6; i++ {
		history = append(history,
			msg(domain.RoleUser, fmt.Sprintf("Creo que la memoria del puente importa %d", i)),
			msg(domain.RoleAssistant, "La memoria aparece en «un mar de silencio» y el puente une las islas."),
		)
	}
	req := a.Build(Turn{History: history, UserContent: "sigue"})
	sys := systemPrompt(req)

	assert.Contains(t, sys, "Estado de la conversación (turno 6, fase "+lx.Texts.PhaseMiddle)
	assert.Contains(t, sys, "memoria")
	assert.Contains(t, sys, "\"un mar de silencio\"")
	assert.Contains(t, sys, lx.Texts.SummaryBuildOn)
	assert.NotContains(t, sys, "[Turno")
}

func TestSummarizeNeedsEnoughHistory(t *testing.T) {
	t.Parallel()

	a := NewAssembler(lexicon.MustDefault(), DefaultTuning())
	assert.Empty(t, a.Summarize([]domain.Message{msg(domain.RoleUser, "hola")}))
}

func TestPhaseFor(t *testing.T) {
	t.Parallel()

	assert.Equal(t, PhaseInitial, PhaseFor(0))
	assert.Equal(t, PhaseInitial, PhaseFor(3))
	assert.Equal(t, PhaseMiddle, PhaseFor(4))
	assert.Equal(t, PhaseMiddle, PhaseFor(8))
	assert.Equal(t, PhaseAdvanced, PhaseFor(9))
}
