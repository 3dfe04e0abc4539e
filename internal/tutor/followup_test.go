package tutor

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ashureev/lectura-tutor/internal/domain"
	"github.com/ashureev/lectura-tutor/internal/lexicon"
)

var longReply = strings.Repeat("La memoria sostiene el puente entre las islas del fragmento. ", 4)

func enabledTuning() Tuning {
	t := DefaultTuning()
	t.FollowUpsEnabled = true
	return t
}

func TestFollowUpEligibility(t *testing.T) {
	t.Parallel()

	lx := lexicon.MustDefault()
	f := NewFollowUpScheduler(lx, enabledTuning())
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		msg   domain.Message
		state FollowUpState
		want  bool
	}{
		{"long reply", msg(domain.RoleAssistant, longReply), FollowUpState{}, true},
		{"ends with question", msg(domain.RoleAssistant, longReply+"¿Qué opinas?"), FollowUpState{}, false},
		{"warning", msg(domain.RoleError, domain.WarningMarker+" "+longReply), FollowUpState{}, false},
		{"learner message", msg(domain.RoleUser, longReply), FollowUpState{}, false},
		{"already a follow-up", msg(domain.RoleAssistant, lx.Texts.FollowUpPrefix+" "+longReply), FollowUpState{}, false},
		{"too short", msg(domain.RoleAssistant, "Respuesta corta."), FollowUpState{}, false},
		{"cooldown", msg(domain.RoleAssistant, longReply), FollowUpState{LastInjectedAt: now.Add(-10 * time.Second)}, false},
		{"cooldown over", msg(domain.RoleAssistant, longReply), FollowUpState{LastInjectedAt: now.Add(-31 * time.Second)}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := tt.state
			assert.Equal(t, tt.want, f.Eligible(&st, tt.msg, now))
		})
	}

	var st FollowUpState
	st.Record(longReply, now.Add(-time.Hour))
	assert.False(t, f.Eligible(&st, msg(domain.RoleAssistant, longReply), now), "same content twice")

	disabled := NewFollowUpScheduler(lx, DefaultTuning())
	disabled.enabled = false
	assert.False(t, disabled.Eligible(&FollowUpState{}, msg(domain.RoleAssistant, longReply), now))
}

func TestFollowUpComposeRules(t *testing.T) {
	t.Parallel()

	lx := lexicon.MustDefault()
	f := NewFollowUpScheduler(lx, enabledTuning())
	tx := lx.Texts
	withFragment := RequestContext{Fragment: islandsFragment}

	tests := []struct {
		name  string
		reply string
		rc    RequestContext
		want  string
	}{
		{"literary figures", "El poema construye una metáfora del mar.", withFragment, tx.FollowUpLiteraryA},
		{"literary", "Cada verso del poema se apoya en el anterior.", withFragment, tx.FollowUpLiteraryB},
		{"contrast", "La memoria une, sin embargo el silencio separa.", withFragment, tx.FollowUpContrast},
		{"enumeration", "Hay dos ideas: primero la memoria, segundo el silencio.", withFragment, tx.FollowUpEnumeration},
		{
			"two concepts anchored", "La Memoria dialoga con el Silencio en toda la escena.", withFragment,
			"En este fragmento, ¿cómo se relacionan Memoria y Silencio dentro de este fragmento?",
		},
		{
			"two concepts without reading", "La Memoria dialoga con el Silencio en toda la escena.", RequestContext{},
			"¿Cómo se relacionan Memoria y Silencio en el contexto del fragmento?",
		},
		{
			"generic anchored", "la respuesta habla del mar y del puente.", withFragment,
			"Pensando en este fragmento (pista: derrumba, dispersas, islas), ¿qué implicaciones prácticas tiene lo explicado para tu comprensión del texto?",
		},
		{"generic", "la respuesta habla del mar y del puente.", RequestContext{}, tx.FollowUpGeneric},
		{
			"generic over full text", "la respuesta habla del mar.", RequestContext{FullText: "Islas islas."},
			"Pensando en el texto (pista: islas), ¿qué implicaciones prácticas tiene lo explicado para tu comprensión del texto?",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := f.Compose(tt.reply, tt.rc)
			assert.Equal(t, tx.FollowUpPrefix+" "+tt.want, got)
		})
	}
}

func TestCapitalizedConceptsSkipStoplist(t *testing.T) {
	t.Parallel()

	f := NewFollowUpScheduler(lexicon.MustDefault(), enabledTuning())
	got := f.concepts("Esta Memoria, Así como Esta Ñandú y la ONU, Memoria.")
	assert.Equal(t, []string{"Memoria", "Ñandú"}, got)
}
