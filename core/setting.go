package core

import (
	"fmt"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"

	"github.com/qforge-team/gst-engine/common"
)

// Setting is the typed run configuration parsed from the TOML setting file.
// Every section carries defaults, so a partial file is fine.
type Setting struct {
	Model     ModelSetting     `toml:"model"`
	Design    DesignSetting    `toml:"design"`
	Objective ObjectiveSetting `toml:"objective"`
	Optimizer OptimizerSetting `toml:"optimizer"`
	Gauge     GaugeSetting     `toml:"gauge"`
}

// ModelSetting names the target gate set.
type ModelSetting struct {
	Gates            []string `toml:"gates"`
	Parameterization string   `toml:"parameterization"` // "TP" or "full"
}

// DesignSetting holds the experiment structure as circuit strings.
type DesignSetting struct {
	PrepFiducials []string `toml:"prep_fiducials"`
	MeasFiducials []string `toml:"meas_fiducials"`
	Germs         []string `toml:"germs"`
	Lengths       []int    `toml:"lengths"`
}

type ObjectiveSetting struct {
	Kind             string  `toml:"kind"` // "chi2" or "logl"
	MaxBatchElements int     `toml:"max_batch_elements"`
	RobustScaling    bool    `toml:"robust_scaling"`
	RobustConfidence float64 `toml:"robust_confidence"`
}

type OptimizerSetting struct {
	MaxIter    int     `toml:"max_iter"`
	FTol       float64 `toml:"f_tol"`
	XTol       float64 `toml:"x_tol"`
	MaxSeconds float64 `toml:"max_seconds"`
}

type GaugeSetting struct {
	Group       string             `toml:"group"`
	ItemWeights map[string]float64 `toml:"item_weights"`
}

// NewSetting returns the defaults: the standard single-qubit gate set with
// the usual four fiducials and single-gate germs.
func NewSetting() *Setting {
	return &Setting{
		Model: ModelSetting{
			Gates:            []string{"Gi", "Gx", "Gy"},
			Parameterization: "TP",
		},
		Design: DesignSetting{
			PrepFiducials: []string{"{}", "Gx", "Gy", "Gx Gx"},
			MeasFiducials: []string{"{}", "Gx", "Gy", "Gx Gx"},
			Germs:         []string{"Gi", "Gx", "Gy"},
			Lengths:       []int{1, 2, 4, 8},
		},
		Objective: ObjectiveSetting{Kind: "logl", RobustConfidence: 0.95},
		Optimizer: OptimizerSetting{MaxIter: 100},
		Gauge:     GaugeSetting{Group: "TP", ItemWeights: map[string]float64{"gates": 1, "spam": 1e-3}},
	}
}

var globalSetting *Setting

func ResetSetting() {
	globalSetting = NewSetting()
}

// ParseSettingFromPath overlays the TOML file at the path onto the current
// global setting.
func ParseSettingFromPath(settingPath string) error {
	if globalSetting == nil {
		ResetSetting()
	}
	tomlString, err := common.ReadSettingsFile(settingPath)
	if err != nil {
		zap.L().Error(fmt.Sprintf("failed to read setting file/reason:%s", err))
		return err
	}
	return globalSetting.parseSetting(tomlString)
}

func GetGlobalSetting() *Setting {
	if globalSetting == nil {
		ResetSetting()
	}
	return globalSetting
}

func (s *Setting) parseSetting(tomlString string) error {
	if _, err := toml.Decode(tomlString, s); err != nil {
		zap.L().Error(fmt.Sprintf("failed to parse setting/reason:%s", err))
		return err
	}
	zap.L().Debug(fmt.Sprintf("Setting is %+v", *s))
	return nil
}
