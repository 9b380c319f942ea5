package schema_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/biomesh-io/biomesh/internal/schema"
)

func TestChannelSchema(t *testing.T) {
	s, err := schema.NewChannelSchema(8, 4, 2, 2, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, 19, s.Channels())
	assert.Equal(t, 8, s.GroupSize(schema.GroupEEG))
	assert.Equal(t, 1, s.GroupSize(schema.GroupMisc))

	// Group boundaries follow the declared order
	g, err := s.GroupOf(0)
	require.NoError(t, err)
	assert.Equal(t, schema.GroupEEG, g)

	g, err = s.GroupOf(8)
	require.NoError(t, err)
	assert.Equal(t, schema.GroupEMG, g)

	g, err = s.GroupOf(18)
	require.NoError(t, err)
	assert.Equal(t, schema.GroupMisc, g)

	_, err = s.GroupOf(19)
	assert.Error(t, err)
	_, err = s.GroupOf(-1)
	assert.Error(t, err)
}

func TestChannelSchemaRejectsInvalid(t *testing.T) {
	_, err := schema.NewChannelSchema(-1, 0, 0, 0, 0, 0)
	assert.Error(t, err)

	_, err = schema.NewChannelSchema(0, 0, 0, 0, 0, 0)
	assert.Error(t, err)
}

func TestDefaultBioWeights(t *testing.T) {
	w := schema.DefaultBioWeights()
	assert.Equal(t, 1.0, w.Weight(schema.GroupEEG))
	assert.Equal(t, 1.5, w.Weight(schema.GroupEMG))
	assert.Equal(t, 1.2, w.Weight(schema.GroupEOG))
	assert.Equal(t, 1.4, w.Weight(schema.GroupPPG))
	assert.Equal(t, 1.3, w.Weight(schema.GroupEDA))
	assert.Equal(t, 0.5, w.Weight(schema.GroupMisc))
}

func TestChannelWeightsExpansion(t *testing.T) {
	s, err := schema.NewChannelSchema(2, 1, 0, 1, 0, 2)
	require.NoError(t, err)

	diag := schema.DefaultBioWeights().ChannelWeights(s)
	assert.Equal(t, []float64{1.0, 1.0, 1.5, 1.4, 0.5, 0.5}, diag)
}

func TestNewBioWeightsRejectsNegative(t *testing.T) {
	_, err := schema.NewBioWeights(1, 1, 1, -0.1, 1, 1)
	assert.Error(t, err)
}
