package mqtt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateTopic(t *testing.T) {
	assert.NoError(t, ValidateTopic("a/b/c"))
	assert.Error(t, ValidateTopic(""))
	assert.Error(t, ValidateTopic("a/+/c"))
	assert.Error(t, ValidateTopic("a/#"))
	assert.Error(t, ValidateTopic(string(make([]byte, MaxTopicLength+1))))
}

func TestValidateFilter(t *testing.T) {
	assert.NoError(t, ValidateFilter("a/b/c"))
	assert.NoError(t, ValidateFilter("a/+/c"))
	assert.NoError(t, ValidateFilter("a/#"))
	assert.NoError(t, ValidateFilter("#"))
	assert.NoError(t, ValidateFilter("+"))
	assert.Error(t, ValidateFilter(""))
	assert.Error(t, ValidateFilter("a/#/b"), "# must be terminal")
	assert.Error(t, ValidateFilter("a/b#"), "wildcard must occupy entire level")
	assert.Error(t, ValidateFilter("a/b+"), "wildcard must occupy entire level")
}

func TestMatchesExactAndWildcards(t *testing.T) {
	cases := []struct {
		filter, topic string
		want          bool
		profile       MatchProfile
	}{
		{"a/b", "a/b", true, MatchProfile{Exact: 2}},
		{"a/+", "a/b", true, MatchProfile{Exact: 1, Single: 1}},
		{"a/#", "a/b/c", true, MatchProfile{Exact: 1, Multi: 1}},
		{"#", "a/b/c", true, MatchProfile{Multi: 1}},
		{"a/b", "a/b/c", false, MatchProfile{}},
		{"a/b/c", "a/b", false, MatchProfile{}},
		{"a/+/c", "a/x/c", true, MatchProfile{Exact: 2, Single: 1}},
		{"sport/+", "sport", false, MatchProfile{}},
	}
	for _, c := range cases {
		profile, ok := Matches(c.filter, c.topic)
		require.Equal(t, c.want, ok, "filter=%q topic=%q", c.filter, c.topic)
		if ok {
			assert.Equal(t, c.profile, profile, "filter=%q topic=%q", c.filter, c.topic)
		}
	}
}

func TestMatchProfileScoreOrdering(t *testing.T) {
	// a/+ (score 110) ranks above a/# (score 101) for topic a/x.
	plus, ok := Matches("a/+", "a/x")
	require.True(t, ok)
	hash, ok := Matches("a/#", "a/x")
	require.True(t, ok)
	assert.Greater(t, plus.Score(), hash.Score())
	assert.Equal(t, 110, plus.Score())
	assert.Equal(t, 101, hash.Score())
}
