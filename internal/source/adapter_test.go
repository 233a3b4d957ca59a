package source

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tontonpaa/EmbedBot/internal/config"
)

func TestBuildAllKeepsDeclarationOrder(t *testing.T) {
	cfg := config.Default()
	bindings, err := BuildAll(cfg)
	require.NoError(t, err)

	var keys []string
	for _, b := range bindings {
		keys = append(keys, b.Region.Key)
	}
	assert.Equal(t, []string{
		"east:kanto", "east:tohoku", "east:shinetsu",
		"west:hokuriku", "west:kinki", "west:chugoku", "west:shikoku", "west:kyushu",
	}, keys)
	assert.IsType(t, &Yahoo{}, bindings[0].Adapter)
	assert.IsType(t, &JRWest{}, bindings[3].Adapter)
}

func TestBuildUnknownKind(t *testing.T) {
	_, err := Build(config.Source{Name: "x", Kind: "telnet"}, Options{})
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestFetchErrorMatchesKindAndCause(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := fail("jr-east", "east:kanto", ErrUnreachable, cause)

	assert.ErrorIs(t, err, ErrUnreachable)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrParseFailure)
	assert.Contains(t, err.Error(), "east:kanto")

	assert.Equal(t, "jr-east/east:kanto: source unreachable: dial tcp: connection refused", err.Error())

	wrapped := fail("jr-east", "east:kanto", ErrUnreachable, fmt.Errorf("%w: GET /x: status 500", ErrUnreachable))
	assert.Equal(t, "jr-east/east:kanto: source unreachable: GET /x: status 500", wrapped.Error())

	// already typed errors pass through
	assert.Same(t, err, fail("other", "other", ErrParseFailure, err))
}

func TestRegionURL(t *testing.T) {
	r := config.Region{Area: "kinki"}
	assert.Equal(t, "https://x/area_kinki.json", regionURL("https://x/area_{area}.json", r))
	r.URL = "https://override/{area}"
	assert.Equal(t, "https://override/kinki", regionURL("https://x/", r))
}
