package conflict

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitaltrack/healthsync/models"
)

func TestResolvePolicy(t *testing.T) {
	tests := []struct {
		name       string
		overrides  map[string]string
		deflt      string
		wantPolicy string
		wantBy     string
		wantErr    bool
	}{
		{
			name:       "default applies",
			deflt:      models.PolicyServerWins,
			wantPolicy: models.PolicyServerWins,
			wantBy:     models.ResolvedByPolicy,
		},
		{
			name:       "override wins",
			overrides:  map[string]string{models.MetricSteps: models.PolicyMerged},
			deflt:      models.PolicyServerWins,
			wantPolicy: models.PolicyMerged,
			wantBy:     models.ResolvedByUser,
		},
		{
			name:    "no default",
			deflt:   "",
			wantErr: true,
		},
		{
			name:    "unknown default",
			deflt:   "coin-flip",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			policy, by, err := ResolvePolicy(tt.overrides, models.MetricSteps, tt.deflt)

			if tt.wantErr {
				require.ErrorIs(t, err, ErrUnresolved)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.wantPolicy, policy)
			assert.Equal(t, tt.wantBy, by)
		})
	}
}

func TestValuesAgree(t *testing.T) {
	assert.True(t, valuesAgree(models.MetricHeartRate, []float64{70, 71, 72}))
	assert.False(t, valuesAgree(models.MetricHeartRate, []float64{70, 73}))
	assert.True(t, valuesAgree(models.MetricSteps, []float64{5000, 5000}))
	assert.False(t, valuesAgree(models.MetricSteps, []float64{5000, 5001}))
	assert.True(t, valuesAgree(models.MetricWeight, []float64{80.0}))
}

func TestMergeFuncs(t *testing.T) {
	assert.Equal(t, 6.0, sum([]float64{1, 2, 3}))
	assert.Equal(t, 2.0, mean([]float64{1, 2, 3}))
	assert.Equal(t, 3.0, latest([]float64{1, 2, 3}))
}
