package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap/zapcore"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	"github.com/alesaiko/breakfast-hammerhead/internal/boost"
	"github.com/alesaiko/breakfast-hammerhead/internal/config"
	"github.com/alesaiko/breakfast-hammerhead/internal/cpufreq"
	"github.com/alesaiko/breakfast-hammerhead/internal/governor"
	"github.com/alesaiko/breakfast-hammerhead/internal/governor/conservative"
	"github.com/alesaiko/breakfast-hammerhead/internal/governor/interactive"
	"github.com/alesaiko/breakfast-hammerhead/internal/governor/ondemand"
	"github.com/alesaiko/breakfast-hammerhead/internal/httpapi"
	"github.com/alesaiko/breakfast-hammerhead/internal/monitoring"
	"github.com/alesaiko/breakfast-hammerhead/internal/sampling"
)

const shutdownGrace = 10 * time.Second

var setupLog = ctrl.Log.WithName("setup")

func main() {
	var configPath string
	var metricsAddr string
	var apiAddr string
	flag.StringVar(&configPath, "config", "", "Path to the daemon configuration file.")
	flag.StringVar(&metricsAddr, "metrics-bind-address", "",
		"The address the metric endpoint binds to. Overrides the configuration file.")
	flag.StringVar(&apiAddr, "api-bind-address", "",
		"The address the control API binds to. Overrides the configuration file.")
	logOpts := zap.Options{}
	logOpts.BindFlags(flag.CommandLine)
	flag.Parse()

	ctrl.SetLogger(zap.New(
		zap.UseDevMode(true),
		func(o *zap.Options) {
			o.TimeEncoder = zapcore.ISO8601TimeEncoder
		},
		zap.UseFlagOptions(&logOpts),
	))

	cfg, err := config.Load(configPath)
	if err != nil {
		setupLog.Error(err, "unable to load configuration", "path", configPath)
		os.Exit(1)
	}
	if metricsAddr != "" {
		cfg.MetricsAddr = metricsAddr
	}
	if apiAddr != "" {
		cfg.APIAddr = apiAddr
	}
	if len(cfg.Policies) == 0 {
		setupLog.Error(nil, "configuration declares no policies")
		os.Exit(1)
	}

	var driver cpufreq.Driver
	switch cfg.Driver {
	case config.DriverSysfs:
		driver = cpufreq.SysfsDriver{}
	case config.DriverMock:
		driver = cpufreq.NewMemDriver()
	}

	bus := cpufreq.NewBus()
	reg := cpufreq.NewRegistry(ctrl.Log.WithName("cpufreq"), driver, bus, cfg.MaxUnits)

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	reg.SetObserver(monitoring.NewTransitionObserver(
		promReg, ctrl.Log.WithName(monitoring.LogTopName)))

	for i, pc := range cfg.Policies {
		table := cpufreq.NewTable(pc.FrequenciesKHZ)
		if len(table) == 0 {
			sysfs, ok := driver.(cpufreq.SysfsDriver)
			if !ok {
				setupLog.Error(nil, "policy has no frequency table", "policy", i)
				os.Exit(1)
			}
			if table, err = sysfs.AvailableFrequencies(pc.Units[0]); err != nil {
				setupLog.Error(err, "unable to read frequency table", "policy", i)
				os.Exit(1)
			}
		}
		if _, err = reg.AddPolicy(pc.Units, table, pc.TransitionLatency()); err != nil {
			setupLog.Error(err, "unable to register policy", "policy", i)
			os.Exit(1)
		}
	}

	var src sampling.Source = sampling.ProcStatSource{}
	if cfg.Driver == config.DriverMock {
		src = sampling.NewManualSource()
	}
	sampler := governor.NewSampler(ctrl.Log.WithName("sampler"), src, reg)
	monitoring.RegisterScalingCollectors(promReg, reg, sampler,
		ctrl.Log.WithName(monitoring.LogTopName))

	od := ondemand.New(ctrl.Log.WithName("governors").WithName("ondemand"), reg, sampler)
	cs := conservative.New(ctrl.Log.WithName("governors").WithName("conservative"), reg, sampler)
	it := interactive.New(ctrl.Log.WithName("governors").WithName("interactive"), reg, src)
	booster := boost.New(ctrl.Log.WithName("cpu-boost"), reg)

	for _, p := range reg.Policies() {
		switch cfg.Governor {
		case config.GovernorOndemand:
			err = od.Start(p)
		case config.GovernorConservative:
			err = cs.Start(p)
		case config.GovernorInteractive:
			err = it.Start(p)
		}
		if err != nil {
			setupLog.Error(err, "unable to start governor",
				"governor", cfg.Governor, "policy", p.Leader())
			os.Exit(1)
		}
	}

	// Tunable overrides apply after start: the first started policy pins
	// the sampling rate floor the overrides are validated against.
	switch cfg.Governor {
	case config.GovernorOndemand:
		err = od.Update(cfg.Ondemand.Apply(od.Tunables()))
	case config.GovernorConservative:
		err = cs.Update(cfg.Conservative.Apply(cs.Tunables()))
	case config.GovernorInteractive:
		var t interactive.Tunables
		if t, err = cfg.Interactive.Apply(it.Tunables()); err == nil {
			err = it.Update(t)
		}
	}
	if err != nil {
		setupLog.Error(err, "invalid tunables", "governor", cfg.Governor)
		os.Exit(1)
	}
	if err = booster.Update(cfg.CPUBoost.Apply(booster.Tunables())); err != nil {
		setupLog.Error(err, "invalid tunables", "governor", "cpu-boost")
		os.Exit(1)
	}
	if cfg.CPUBoost.InputBoostFreq != "" {
		if err = booster.SetInputBoostFreq(cfg.CPUBoost.InputBoostFreq); err != nil {
			setupLog.Error(err, "invalid input_boost_freq")
			os.Exit(1)
		}
	}

	metricsSrv := &http.Server{
		Addr: cfg.MetricsAddr,
		Handler: promhttp.HandlerFor(promReg, promhttp.HandlerOpts{
			Registry: promReg,
		}),
	}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			setupLog.Error(err, "metrics endpoint failed")
		}
	}()

	api := httpapi.New(ctrl.Log.WithName("api"), cfg.APIAddr, reg, od, cs, it, booster)
	go func() {
		if err := api.ListenAndServe(); err != nil {
			setupLog.Error(err, "control API failed")
		}
	}()

	setupLog.Info("governor daemon started",
		"driver", cfg.Driver, "governor", cfg.Governor,
		"policies", len(cfg.Policies), "metrics", cfg.MetricsAddr, "api", cfg.APIAddr)

	ctx := ctrl.SetupSignalHandler()
	<-ctx.Done()

	setupLog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	_ = api.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)

	for _, p := range reg.Policies() {
		switch cfg.Governor {
		case config.GovernorOndemand:
			od.Stop(p)
		case config.GovernorConservative:
			cs.Stop(p)
		case config.GovernorInteractive:
			it.Stop(p)
		}
	}
	booster.Close()
	od.Close()
	cs.Close()
	it.Close()
}
