package engine

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseResultAward(t *testing.T) {
	assert := assert.New(t)

	rule, err := parseResultAward("011", "spamassassin | hits | gt | 5 | -3 | spammy content | naughty")
	require.NoError(t, err)
	assert.Equal("011", rule.ID)
	assert.Equal("spamassassin", rule.Producer)
	assert.Equal("hits", rule.Property)
	assert.Equal("gt", rule.Operator)
	assert.Equal("5", rule.Value)
	assert.Equal(-3.0, rule.Delta)
	assert.Equal("spammy content", rule.Reason)
	assert.Equal("naughty", rule.Resolution)

	// reason/resolution are optional
	rule, err = parseResultAward("012", "geoip|country|equals|CN|-1")
	require.NoError(t, err)
	assert.Equal(-1.0, rule.Delta)
	assert.Equal("", rule.Reason)

	_, err = parseResultAward("013", "geoip | country | equals | CN")
	assert.ErrorIs(err, errTooFewFields)

	_, err = parseResultAward("014", "geoip | country | between | CN | -1")
	assert.ErrorIs(err, errBadOperator)

	_, err = parseResultAward("015", "geoip | country | equals | CN | lots")
	assert.ErrorIs(err, errBadDelta)

	_, err = parseResultAward("016", "geoip | country | equals | CN | 0")
	assert.ErrorIs(err, errBadDelta)
}

func TestCatalogIndex(t *testing.T) {
	assert := assert.New(t)

	cfg := DefaultConfig()
	cfg.ResultAwards = map[string]string{
		"002": "geoip | country | equals | RU | -1 | | ",
		"001": "geoip | country | equals | CN | -1 | | ",
		"003": "geoip | distance | gt | 4000 | -1 | | ",
		"004": "broken | rule | equals",
	}
	c := NewCatalog(cfg, slog.Default())

	props := c.rulesFor("geoip")
	require.NotNil(t, props)
	require.Len(t, props["country"], 2)
	// multiple rules per property keep declaration (id) order
	assert.Equal("001", props["country"][0].ID)
	assert.Equal("002", props["country"][1].ID)
	require.Len(t, props["distance"], 1)

	assert.Nil(c.rulesFor("broken"))
	assert.Nil(c.rulesFor("unknown"))
	assert.True(c.HasResultAwards())
}

func TestCatalogPhaseValidation(t *testing.T) {
	assert := assert.New(t)

	cfg := DefaultConfig()
	cfg.Deny.Hooks = []string{"data", "made_up_phase", "rcpt"}
	c := NewCatalog(cfg, slog.Default())

	assert.True(c.denyPhases[PhaseData])
	assert.True(c.denyPhases[PhaseRcptTo]) // alias accepted
	assert.Len(c.denyPhases, 2)            // unknown phase dropped
}

func TestCatalogDefaults(t *testing.T) {
	assert := assert.New(t)

	c := NewCatalog(nil, nil)
	assert.Equal(3.0, c.cfg.Thresholds.Positive)
	assert.Equal(-5.0, c.cfg.Thresholds.Negative)
	assert.Equal(5.0, c.cfg.Tarpit.Max)
	assert.Equal(2.0, c.cfg.Tarpit.MaxMSA)
	assert.Contains(c.cfg.Deny.Message, "{score}")
	assert.True(c.denyPhases[PhaseQueue])
	assert.True(c.denyExcludePhases[PhaseRcptTo])
	assert.True(c.denyExcludeChecks["spamassassin"])
	assert.False(c.HasResultAwards())
}

func TestCatalogTodoTemplateCopies(t *testing.T) {
	assert := assert.New(t)

	cfg := DefaultConfig()
	cfg.Awards = map[string]string{"relaying": "2"}
	c := NewCatalog(cfg, slog.Default())

	a := c.newTodo()
	b := c.newTodo()
	delete(a, "relaying")
	assert.Len(b, 1) // sessions get independent copies
}

func TestParsePhase(t *testing.T) {
	assert := assert.New(t)

	p, err := ParsePhase("connect")
	assert.NoError(err)
	assert.Equal(PhaseConnect, p)

	p, err = ParsePhase("mail")
	assert.NoError(err)
	assert.Equal(PhaseMailFrom, p)

	_, err = ParsePhase("warp_core")
	assert.Error(err)
}
