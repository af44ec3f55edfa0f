package frame

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRepairValidLineIsStrictDecode(t *testing.T) {
	lines := []string{
		`{"t":1,"sensors":{"X":{"v":{"value":1,"unit":"C","timestamp":2}}}}`,
		`{"t":"boot","sensors":{}}`,
		`{"a":[1,2,{"b":"c,}"}],"s":"nan"}`,
		`{"escaped":"quote \" and brace }"}`,
	}

	for _, line := range lines {
		payload, repairs, err := Repair(line, DefaultSentinels)
		require.NoError(t, err, line)
		assert.Empty(t, repairs, line)
		assert.Equal(t, mustDecode(t, line), payload, line)

		again, repairsAgain, err := Repair(line, DefaultSentinels)
		require.NoError(t, err)
		assert.Empty(t, repairsAgain)
		assert.Equal(t, payload, again)
	}
}

func TestRepairSentinelLineMatchesBody(t *testing.T) {
	body := `{"t":7,"sensors":{"DHT22":{"humidity":{"value":55.2,"unit":"%","timestamp":7}}}}`

	payload, repairs, err := Repair("[SEND] "+body, DefaultSentinels)
	require.NoError(t, err)
	assert.Empty(t, repairs)
	assert.Equal(t, mustDecode(t, body), payload)

	payload, repairs, err = Repair("[SEND] - "+body, DefaultSentinels)
	require.NoError(t, err)
	assert.Empty(t, repairs)
	assert.Equal(t, mustDecode(t, body), payload)
}

func TestRepairSteps(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		want    string
		repairs []string
	}{
		{
			name:    "non finite tokens",
			line:    `{"a":nan,"b":-inf,"c":NaN,"d":ovf,"e":"nan"}`,
			want:    `{"a":null,"b":null,"c":null,"d":null,"e":"nan"}`,
			repairs: []string{StepNonFinite},
		},
		{
			name:    "trailing comma",
			line:    `{"a":[1,2, ],"b":{"c":1 ,}, }`,
			want:    `{"a":[1,2],"b":{"c":1}}`,
			repairs: []string{StepTrailingComma},
		},
		{
			name:    "missing closers",
			line:    `[SEND] {"a":{"b":[1,2`,
			want:    `{"a":{"b":[1,2]}}`,
			repairs: []string{StepBalance},
		},
		{
			name:    "cut inside string",
			line:    `{"t":1,"sensors":{"X":{"v":{"value":1,"unit":"m`,
			want:    `{"t":1,"sensors":{"X":{"v":{"value":1}}}}`,
			repairs: []string{StepTruncate},
		},
		{
			name:    "cut after key",
			line:    `{"a":1,"b":{"c":2},"d"`,
			want:    `{"a":1,"b":{"c":2}}`,
			repairs: []string{StepTruncate},
		},
		{
			name:    "cut after colon",
			line:    `{"a":{"b":true},"c":`,
			want:    `{"a":{"b":true}}`,
			repairs: []string{StepTruncate},
		},
		{
			name:    "extra closers",
			line:    `{"a":1}}}`,
			want:    `{"a":1}`,
			repairs: []string{StepTruncate},
		},
		{
			name:    "all steps",
			line:    `[SEND] {"a":nan,"b":[1,],"c":{"d":"x`,
			want:    `{"a":null,"b":[1]}`,
			repairs: []string{StepNonFinite, StepTrailingComma, StepTruncate},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, repairs, err := Repair(tt.line, DefaultSentinels)
			require.NoError(t, err)
			assert.Equal(t, tt.repairs, repairs)
			assert.Equal(t, mustDecode(t, tt.want), payload)
		})
	}
}

func TestRepairFailures(t *testing.T) {
	lines := []string{
		`[SEND] {"garbage`,
		`[1,2,3]`,
		`null`,
		`{"a`,
		`hello`,
	}

	for _, line := range lines {
		payload, _, err := Repair(line, DefaultSentinels)
		assert.Error(t, err, line)
		assert.Nil(t, payload, line)
	}
}

func TestRepairedOutputIsIdempotent(t *testing.T) {
	payload, _, err := Repair(`[SEND] {"t":1,"sensors":{"X":{"v":{"value":nan,"timestamp":2`, DefaultSentinels)
	require.NoError(t, err)

	again, repairs, err := Repair(`{"t":1,"sensors":{"X":{"v":{"value":null,"timestamp":2}}}}`, DefaultSentinels)
	require.NoError(t, err)
	assert.Empty(t, repairs)
	assert.Equal(t, payload, again)
}
