//go:build unit
// +build unit

package core

import (
	"testing"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/stretchr/testify/assert"
)

func TestDefaultSetting(t *testing.T) {
	ResetSetting()
	s := GetGlobalSetting()
	assert.Equal(t, []string{"Gi", "Gx", "Gy"}, s.Model.Gates)
	assert.Equal(t, "TP", s.Model.Parameterization)
	assert.Equal(t, []int{1, 2, 4, 8}, s.Design.Lengths)
	assert.Equal(t, "logl", s.Objective.Kind)
	assert.Equal(t, 0.95, s.Objective.RobustConfidence)
	assert.Equal(t, 100, s.Optimizer.MaxIter)
	assert.Equal(t, "TP", s.Gauge.Group)
}

func TestParseSetting(t *testing.T) {
	tests := []struct {
		name      string
		in        string
		wantError bool
		check     func(t *testing.T, s *Setting)
	}{
		{
			name:      "empty keeps defaults",
			in:        "",
			wantError: false,
			check: func(t *testing.T, s *Setting) {
				assert.Equal(t, []string{"Gi", "Gx", "Gy"}, s.Model.Gates)
			},
		},
		{
			name: "full setting",
			in: heredoc.Doc(`
				[model]
				gates = ["Gi", "Gx", "Gy", "Gn"]
				parameterization = "full"

				[design]
				prep_fiducials = ["{}", "Gx"]
				meas_fiducials = ["{}", "Gy"]
				germs = ["Gx", "Gy Gx"]
				lengths = [1, 2, 4, 8, 16]

				[objective]
				kind = "chi2"
				max_batch_elements = 128
				robust_scaling = true
				robust_confidence = 0.9

				[optimizer]
				max_iter = 300
				f_tol = 1e-8

				[gauge]
				group = "full"
				[gauge.item_weights]
				gates = 1.0
				spam = 0.01
			`),
			wantError: false,
			check: func(t *testing.T, s *Setting) {
				assert.Equal(t, []string{"Gi", "Gx", "Gy", "Gn"}, s.Model.Gates)
				assert.Equal(t, "full", s.Model.Parameterization)
				assert.Equal(t, []string{"Gx", "Gy Gx"}, s.Design.Germs)
				assert.Equal(t, []int{1, 2, 4, 8, 16}, s.Design.Lengths)
				assert.Equal(t, "chi2", s.Objective.Kind)
				assert.Equal(t, 128, s.Objective.MaxBatchElements)
				assert.True(t, s.Objective.RobustScaling)
				assert.Equal(t, 300, s.Optimizer.MaxIter)
				assert.Equal(t, 1e-8, s.Optimizer.FTol)
				assert.Equal(t, "full", s.Gauge.Group)
				assert.Equal(t, 0.01, s.Gauge.ItemWeights["spam"])
			},
		},
		{
			name: "partial section overlays defaults",
			in: heredoc.Doc(`
				[objective]
				kind = "chi2"
			`),
			wantError: false,
			check: func(t *testing.T, s *Setting) {
				assert.Equal(t, "chi2", s.Objective.Kind)
				assert.Equal(t, 0.95, s.Objective.RobustConfidence)
				assert.Equal(t, []string{"Gi", "Gx", "Gy"}, s.Model.Gates)
			},
		},
		{
			name:      "broken toml",
			in:        "[model\ngates = ",
			wantError: true,
			check:     func(t *testing.T, s *Setting) {},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ResetSetting()
			gotError := globalSetting.parseSetting(tt.in)
			if tt.wantError {
				assert.Error(t, gotError)
				return
			}
			assert.NoError(t, gotError)
			tt.check(t, globalSetting)
		})
	}
}

func TestParseSettingFromPathMissingFile(t *testing.T) {
	ResetSetting()
	assert.Error(t, ParseSettingFromPath("./no/such/setting.toml"))
}
