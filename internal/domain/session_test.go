package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSessionKey(t *testing.T) {
	tests := []struct {
		raw  string
		want SessionKey
	}{
		{"alice_0", SessionKey{Username: "alice", Conversation: 0}},
		{"visitor12_3", SessionKey{Username: "visitor12", Conversation: 3}},
		{"bob_007", SessionKey{Username: "bob", Conversation: 7}},
		{"李雷_42", SessionKey{Username: "李雷", Conversation: 42}},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseSessionKey(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseSessionKey_Malformed(t *testing.T) {
	inputs := []string{
		"",
		"alice",
		"alice_",
		"_0",
		"_",
		"alice_x",
		"alice_-1",
		"alice_+1",
		"alice_1_2",
		"alice_1 ",
		"alice_99999999999999999999",
	}
	for _, raw := range inputs {
		t.Run(fmt.Sprintf("%q", raw), func(t *testing.T) {
			_, err := ParseSessionKey(raw)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedIdentifier))
		})
	}
}

func TestSessionKeyStringRoundTrip(t *testing.T) {
	key := SessionKey{Username: "carol", Conversation: 15}
	assert.Equal(t, "carol_15", key.String())

	parsed, err := ParseSessionKey(key.String())
	require.NoError(t, err)
	assert.Equal(t, key, parsed)
}

func TestVisitorNames(t *testing.T) {
	assert.Equal(t, "visitor4", VisitorName(4))
	assert.True(t, IsVisitorName("visitor0"))
	assert.True(t, IsVisitorName("visitor123"))
	assert.False(t, IsVisitorName("visitor"))
	assert.False(t, IsVisitorName("visitorx"))
	assert.False(t, IsVisitorName("avisitor1"))
}

func TestStageErrorMatchesStageSentinel(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := fmt.Errorf("answer: %w", &StageError{Stage: StageRetrieving, Err: cause})

	assert.True(t, errors.Is(err, ErrRetrieval))
	assert.False(t, errors.Is(err, ErrExtraction))
	assert.True(t, errors.Is(err, cause))

	var stageErr *StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, StageRetrieving, stageErr.Stage)
}

func TestRecentExchanges(t *testing.T) {
	history := []Exchange{{Ordinal: 0}, {Ordinal: 1}, {Ordinal: 2}}
	assert.Len(t, RecentExchanges(history, 0), 3)
	assert.Len(t, RecentExchanges(history, 5), 3)
	recent := RecentExchanges(history, 2)
	require.Len(t, recent, 2)
	assert.Equal(t, int64(1), recent[0].Ordinal)
}
