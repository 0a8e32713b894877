package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStatusAliases(t *testing.T) {
	cases := map[string]Status{
		"online":         StatusOnline,
		" Away ":         StatusAway,
		"dnd":            StatusDoNotDisturb,
		"busy":           StatusDoNotDisturb,
		"do_not_disturb": StatusDoNotDisturb,
		"invisible":      StatusInvisible,
		"OFFLINE":        StatusOffline,
	}
	for in, want := range cases {
		got, err := ParseStatus(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseStatus("sleeping")
	assert.Error(t, err)
}

func TestIsConsideredOnline(t *testing.T) {
	assert.True(t, StatusOnline.IsConsideredOnline())
	assert.True(t, StatusAway.IsConsideredOnline())
	assert.True(t, StatusDoNotDisturb.IsConsideredOnline())
	assert.False(t, StatusInvisible.IsConsideredOnline())
	assert.False(t, StatusOffline.IsConsideredOnline())
}

func TestStatusJSON(t *testing.T) {
	u := UserPublic{ID: "u1", Status: StatusDoNotDisturb}
	raw, err := json.Marshal(u)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"status":"do_not_disturb"`)

	var back UserPublic
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, StatusDoNotDisturb, back.Status)

	assert.Error(t, json.Unmarshal([]byte(`{"status":"nope"}`), &back))
}

func TestMessagePreview(t *testing.T) {
	long := make([]rune, PreviewLimit+10)
	for i := range long {
		long[i] = 'é'
	}
	m := Message{Body: string(long)}
	p := []rune(m.Preview())
	assert.Len(t, p, PreviewLimit)
	assert.Equal(t, "...", string(p[len(p)-3:]))

	att := Message{Media: &Media{URL: "https://cdn/x.png"}}
	assert.Equal(t, "[attachment]", att.Preview())
}
