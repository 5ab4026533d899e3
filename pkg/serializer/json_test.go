package serializer_test

import (
	"testing"

	"github.com/albe/eventstore/pkg/serializer"
	"github.com/stretchr/testify/require"
)

func TestJSONSerializerRoundTrip(t *testing.T) {
	s := serializer.NewJSONSerializer()

	type payload struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}

	in := payload{Name: "deposit", Count: 3}
	data, err := s.Serialize(in)
	require.NoError(t, err)
	require.NotEmpty(t, data)

	var out payload
	require.NoError(t, s.Deserialize(data, &out))
	require.Equal(t, in, out)
}

func TestJSONSerializerInvalidData(t *testing.T) {
	s := serializer.NewJSONSerializer()

	var out map[string]any
	err := s.Deserialize([]byte("not json"), &out)
	require.Error(t, err)
}
