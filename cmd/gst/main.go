package main

import (
	"context"
	"fmt"
	"os"

	flags "github.com/jessevdk/go-flags"
	"github.com/massn/envordot"
	"github.com/oklog/run"

	"github.com/qforge-team/gst-engine/circuit"
	"github.com/qforge-team/gst-engine/core"
	"github.com/qforge-team/gst-engine/dataset"
	"github.com/qforge-team/gst-engine/estimation"
	"github.com/qforge-team/gst-engine/gauge"
	"github.com/qforge-team/gst-engine/log"
	"github.com/qforge-team/gst-engine/model"
	"github.com/qforge-team/gst-engine/objective"
	"github.com/qforge-team/gst-engine/optimizer"

	"go.uber.org/dig"
	"go.uber.org/zap"
)

var versionByBuildFlag string
var parser *flags.Parser
var engine *Engine

func init() {
	if err := envordot.Load(false, ".env"); err != nil {
		fmt.Printf("Not found \".env\" file. Use only environment variables. Reason:%s\n", err.Error())
	} else {
		fmt.Println("Found \".env\" file. Environment variables are preferred, " +
			"but non-conflicting variables are those in the \".env\" file.")
	}
	engine = &Engine{}
	setParser(engine)
}

type Engine struct {
	Conf *core.Conf
}

func setParser(engine *Engine) {
	parser = flags.NewParser(engine, flags.Default)
	parser.ShortDescription = "qforge gst engine"
	parser.LongDescription = "gate set tomography estimation engine of the qforge characterization toolkit."
	parser.AddCommand("run", "run estimation", "run the full estimation pipeline on a dataset", newRunCmd())
}

func parse() {
	if _, err := parser.Parse(); err != nil {
		code := 1
		if fe, ok := err.(*flags.Error); ok {
			if fe.Type == flags.ErrHelp {
				code = 0
			}
		}
		if code == 1 {
			fmt.Printf("failed to parse flags, because %s\n", err)
		}
		os.Exit(code)
	}
}

func (e *Engine) provideDIContainer() (c *dig.Container, err error) {
	c = dig.New()
	err = nil
	err = c.Provide(func() *core.Setting { return core.GetGlobalSetting() })
	if err != nil {
		return &dig.Container{}, err
	}
	err = c.Provide(func(s *core.Setting) (*model.Model, error) {
		switch s.Model.Parameterization {
		case "TP", "tp", "":
			return model.NewTP1QModel(s.Model.Gates...)
		case "full":
			return model.NewFull1QModel(s.Model.Gates...)
		default:
			return nil, fmt.Errorf("%s is an unknown parameterization", s.Model.Parameterization)
		}
	})
	if err != nil {
		return &dig.Container{}, err
	}
	err = c.Provide(func(s *core.Setting) (estimation.Design, error) {
		return designFromSetting(s.Design)
	})
	if err != nil {
		return &dig.Container{}, err
	}
	err = c.Provide(func() (*dataset.DataSet, error) {
		if e.Conf.DataSetPath == "" {
			return nil, fmt.Errorf("dataset path is not set")
		}
		return dataset.ReadFile(e.Conf.DataSetPath)
	})
	if err != nil {
		return &dig.Container{}, err
	}
	err = c.Provide(func(s *core.Setting) estimation.Config {
		return estimation.Config{
			Objective: objective.Kind(s.Objective.Kind),
			ObjectiveConfig: objective.Config{
				Workers:          e.Conf.Workers,
				MaxBatchElements: s.Objective.MaxBatchElements,
			},
			Optimizer: optimizer.Settings{
				MaxIter:    s.Optimizer.MaxIter,
				FTol:       s.Optimizer.FTol,
				XTol:       s.Optimizer.XTol,
				MaxSeconds: s.Optimizer.MaxSeconds,
			},
			RobustScaling:    s.Objective.RobustScaling,
			RobustConfidence: s.Objective.RobustConfidence,
		}
	})
	if err != nil {
		return &dig.Container{}, err
	}
	err = c.Provide(func(s *core.Setting, target *model.Model) (gauge.Params, error) {
		group, err := gauge.GroupByName(s.Gauge.Group, target.Dim())
		if err != nil {
			return gauge.Params{}, err
		}
		return gauge.Params{Group: group, ItemWeights: s.Gauge.ItemWeights}, nil
	})
	if err != nil {
		return &dig.Container{}, err
	}
	err = c.Provide(func(target *model.Model, ds *dataset.DataSet,
		d estimation.Design, cfg estimation.Config) *estimation.Runner {
		return &estimation.Runner{Target: target, DataSet: ds, Design: d, Config: cfg}
	})
	if err != nil {
		return &dig.Container{}, err
	}
	return
}

func designFromSetting(ds core.DesignSetting) (estimation.Design, error) {
	parseAll := func(ss []string) ([]*circuit.Circuit, error) {
		out := make([]*circuit.Circuit, len(ss))
		for i, s := range ss {
			c, err := circuit.Parse(s)
			if err != nil {
				return nil, err
			}
			out[i] = c
		}
		return out, nil
	}
	var d estimation.Design
	var err error
	if d.PrepFids, err = parseAll(ds.PrepFiducials); err != nil {
		return estimation.Design{}, err
	}
	if d.MeasFids, err = parseAll(ds.MeasFiducials); err != nil {
		return estimation.Design{}, err
	}
	if d.Germs, err = parseAll(ds.Germs); err != nil {
		return estimation.Design{}, err
	}
	d.Lengths = ds.Lengths
	return d, nil
}

func main() {
	parse()
}

type runCmd struct{}

func newRunCmd() *runCmd {
	return &runCmd{}
}

func (c *runCmd) Execute(args []string) error {
	logger, err := log.Setup(engine.Conf)
	if err != nil {
		fmt.Printf("Failed to setup logger. Reason:%s\n", err)
		return err
	}
	defer logger.Sync()

	core.SetVersion(engine.Conf, versionByBuildFlag)
	core.ResetSetting()
	if err := core.ParseSettingFromPath(engine.Conf.SettingPath); err != nil {
		zap.L().Error(fmt.Sprintf("failed to parse settings/reason:%s", err))
		return err
	}

	container, err := engine.provideDIContainer()
	if err != nil {
		zap.L().Error(fmt.Sprintf("Failed to setting up DI-Container. Reason:%s", err.Error()))
		return err
	}

	return container.Invoke(func(runner *estimation.Runner, target *model.Model, gp gauge.Params) error {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		var g run.Group
		g.Add(func() error {
			return c.runEstimation(ctx, runner, target, gp)
		}, func(error) {
			cancel()
		})
		g.Add(run.SignalHandler(ctx, os.Interrupt))

		if err := g.Run(); err != nil {
			if _, ok := err.(run.SignalError); ok {
				zap.L().Info(fmt.Sprintf("shutting down/reason:%s", err))
				return nil
			}
			return err
		}
		return nil
	})
}

func (c *runCmd) runEstimation(ctx context.Context, runner *estimation.Runner,
	target *model.Model, gp gauge.Params) error {
	est, err := runner.Run(ctx)
	if err != nil {
		zap.L().Error(fmt.Sprintf("estimation failed/reason:%s", err))
		return err
	}

	res, err := gauge.Optimize(ctx, est.FinalModel, target, gp)
	if err != nil {
		est.AddWarning(fmt.Errorf("gauge optimization failed: %w", err))
	} else {
		est.AddGaugeVariant("target-frame", &estimation.GaugeVariant{
			Model: res.Model, G: res.G, Params: gp, Distance: res.Distance,
		})
	}

	summary := est.Summary()
	if engine.Conf.OutputPath == "" {
		fmt.Println(summary)
		return nil
	}
	if err := os.WriteFile(engine.Conf.OutputPath, []byte(summary), 0644); err != nil {
		zap.L().Error(fmt.Sprintf("failed to write summary/path:%s/reason:%s",
			engine.Conf.OutputPath, err))
		return err
	}
	zap.L().Info(fmt.Sprintf("wrote summary to %s", engine.Conf.OutputPath))
	return nil
}
