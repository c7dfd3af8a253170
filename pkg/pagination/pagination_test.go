package pagination

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOffsetParams(t *testing.T) {
	tests := []struct {
		name          string
		limit, offset string
		want          Params
		wantErr       bool
	}{
		{name: "defaults", want: Params{Limit: DefaultLimit}},
		{name: "explicit", limit: "5", offset: "10", want: Params{Limit: 5, Offset: 10}},
		{name: "capped", limit: "1000", want: Params{Limit: MaxLimit}},
		{name: "zero limit", limit: "0", wantErr: true},
		{name: "negative offset", offset: "-1", wantErr: true},
		{name: "not a number", limit: "ten", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseOffsetParams(tt.limit, tt.offset)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalize(t *testing.T) {
	limit, offset := Normalize(0, -5)
	assert.Equal(t, DefaultLimit, limit)
	assert.Equal(t, 0, offset)

	limit, _ = Normalize(500, 0)
	assert.Equal(t, MaxLimit, limit)
}
