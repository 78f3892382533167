package subcmd

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/maixbridge/config"
)

func TestParse(t *testing.T) {
	t.Parallel()
	noop := func(context.Context, *config.Config) error { return nil }
	mods := []Mod{{Name: "serve", Main: noop}, {Name: "device", Main: noop}}

	m, err := Parse("device", mods)
	require.NoError(t, err)
	assert.Equal(t, "device", m.Name)

	_, err = Parse("", mods)
	assert.EqualError(t, err, "empty command")
	_, err = Parse("vmc", mods)
	assert.EqualError(t, err, "unknown command='vmc' (known: serve, device)")

	assert.Panics(t, func() { _, _ = Parse("x", []Mod{{}}) })
}
