// Package estimation drives the full gate set tomography pipeline: an LGST
// bootstrap followed by iterative long-sequence optimization over nested
// circuit lists, collecting per-length models, warnings and gauge-optimized
// variants into an Estimate.
package estimation

import (
	"fmt"
	"sort"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/mohae/deepcopy"
	"github.com/tidwall/pretty"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/qforge-team/gst-engine/gauge"
	"github.com/qforge-team/gst-engine/model"
)

// TraceEntry records one iteration of the driver.
type TraceEntry struct {
	Length    int     `json:"length"`
	Value     float64 `json:"value"`
	NumIters  int     `json:"num_iters"`
	Converged bool    `json:"converged"`
	Robust    bool    `json:"robust"`
}

// GaugeVariant is one gauge-optimized view of the final model.
type GaugeVariant struct {
	Model    *model.Model
	G        *mat.Dense
	Params   gauge.Params
	Distance float64
}

// Estimate collects everything one GST run produces.
type Estimate struct {
	ID             string
	Created        strfmt.DateTime
	Ended          strfmt.DateTime
	Models         map[int]*model.Model // keyed by length budget
	FinalModel     *model.Model
	ObjectiveTrace []TraceEntry
	GaugeVariants  map[string]*GaugeVariant
	Metadata       map[string]interface{}

	warnings error
}

func strfmtNow() strfmt.DateTime { return strfmt.DateTime(time.Now().UTC()) }

func NewEstimate() *Estimate {
	return &Estimate{
		ID:            uuid.New().String(),
		Created:       strfmtNow(),
		Models:        map[int]*model.Model{},
		GaugeVariants: map[string]*GaugeVariant{},
		Metadata:      map[string]interface{}{},
	}
}

// AddWarning accumulates a non-fatal problem encountered during the run.
func (e *Estimate) AddWarning(err error) {
	if err == nil {
		return
	}
	zap.L().Warn(fmt.Sprintf("estimate %s: %s", e.ID, err))
	e.warnings = multierr.Append(e.warnings, err)
}

// Warnings lists accumulated warnings as strings.
func (e *Estimate) Warnings() []string {
	var out []string
	for _, err := range multierr.Errors(e.warnings) {
		out = append(out, err.Error())
	}
	return out
}

// AddGaugeVariant stores a gauge-optimized variant under a caller-chosen
// label, replacing any previous variant with that label.
func (e *Estimate) AddGaugeVariant(label string, v *GaugeVariant) {
	if _, ok := e.GaugeVariants[label]; ok {
		zap.L().Info(fmt.Sprintf("replacing gauge variant %s on estimate %s", label, e.ID))
	}
	e.GaugeVariants[label] = v
}

// CloneMetadata deep-copies the metadata map so callers can branch
// provenance without aliasing.
func (e *Estimate) CloneMetadata() map[string]interface{} {
	return deepcopy.Copy(e.Metadata).(map[string]interface{})
}

// Summary renders a human-oriented JSON digest of the run.
func (e *Estimate) Summary() string {
	variants := make(map[string]float64, len(e.GaugeVariants))
	for label, v := range e.GaugeVariants {
		variants[label] = v.Distance
	}
	lengths := make([]int, 0, len(e.Models))
	for l := range e.Models {
		lengths = append(lengths, l)
	}
	sort.Ints(lengths)
	digest := struct {
		ID            string             `json:"id"`
		Created       strfmt.DateTime    `json:"created"`
		Ended         strfmt.DateTime    `json:"ended"`
		Lengths       []int              `json:"lengths"`
		Trace         []TraceEntry       `json:"objective_trace"`
		GaugeVariants map[string]float64 `json:"gauge_variant_distances"`
		Warnings      []string           `json:"warnings"`
	}{e.ID, e.Created, e.Ended, lengths, e.ObjectiveTrace, variants, e.Warnings()}
	bytes, err := jsoniter.Marshal(digest)
	if err != nil {
		zap.L().Error(fmt.Sprintf("failed to marshal estimate summary (%s)", err))
		return ""
	}
	return string(pretty.Pretty(bytes))
}
