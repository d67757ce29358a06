package channel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexo-labs/nexo/pkg/cerr"
)

func TestParseList(t *testing.T) {
	tests := []struct {
		name    string
		input   []string
		want    []Channel
		wantErr bool
	}{
		{name: "empty selects all", input: nil, want: All()},
		{name: "enumeration order and dedup", input: []string{"shopee", "amazon", "shopee"}, want: []Channel{Amazon, Shopee}},
		{name: "unknown key", input: []string{"amazon", "etsy"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseList(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, cerr.IsCode(err, cerr.InvalidArgument))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAgentIDRoundTrip(t *testing.T) {
	for _, c := range All() {
		got, ok := FromAgentID(c.AgentID())
		require.True(t, ok)
		assert.Equal(t, c, got)
	}
	_, ok := FromAgentID("agent-etsy")
	assert.False(t, ok)
	assert.Len(t, All(), 6)
}
