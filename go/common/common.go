// Common tool initialization.
// import only from package main.
package common

import (
	"flag"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cascade-eng/cascade/go/cclog"
)

// Opt represents the initialization parameters for a single init
// service, where services are Prometheus, etc.
//
// Initialization is order dependent, and each app may want a different
// subset of options, so each optional piece is encapsulated in its own
// Opt and initialized in the right order.
//
// Construct the Opts that are desired and pass them to
// common.InitWith(), i.e.:
//
//	common.InitWith(
//		"cascade",
//		common.PrometheusOpt(&cfg.PromPort),
//	)
type Opt interface {
	// order is the sort order that Opts are executed in.
	order() int
	init(appName string) error
}

// optSlice is a utility type for sorting Opts by order().
type optSlice []Opt

func (p optSlice) Len() int           { return len(p) }
func (p optSlice) Less(i, j int) bool { return p[i].order() < p[j].order() }
func (p optSlice) Swap(i, j int)      { p[i], p[j] = p[j], p[i] }

// baseInitOpt is an Opt that is always constructed internally, added to
// any Opts passed into InitWith() and always runs first.
//
// Implements Opt.
type baseInitOpt struct{}

func (b *baseInitOpt) init(appName string) error {
	flag.Parse()
	flag.VisitAll(func(f *flag.Flag) {
		cclog.Infof("Flags: --%s=%v", f.Name, f.Value)
	})

	// Record UID and GID.
	cclog.Infof("Running as %d:%d", os.Getuid(), os.Getgid())

	return nil
}

func (b *baseInitOpt) order() int {
	return 0
}

// promInitOpt implements Opt for Prometheus.
type promInitOpt struct {
	port *string
}

// PrometheusOpt creates an Opt to initialize Prometheus metrics when
// passed to InitWith(). The metrics are served at /metrics on the given
// port.
func PrometheusOpt(port *string) Opt {
	return &promInitOpt{
		port: port,
	}
}

func (o *promInitOpt) init(appName string) error {
	startTime := time.Now()
	promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "uptime_s",
		Help: "Seconds since the process started.",
		ConstLabels: prometheus.Labels{
			"app": appName,
		},
	}, func() float64 {
		return time.Since(startTime).Seconds()
	})

	m := http.NewServeMux()
	m.Handle("/metrics", promhttp.Handler())
	port := *o.port
	go func() {
		cclog.Fatal(http.ListenAndServe(port, m))
	}()
	cclog.Infof("Prometheus metrics are being served on port %s", port)
	return nil
}

func (o *promInitOpt) order() int {
	return 3
}

// InitWith takes Opt's and initializes each service, where services are
// Prometheus, etc.
func InitWith(appName string, opts ...Opt) error {
	// Add baseInitOpt.
	opts = append(opts, &baseInitOpt{})

	// Sort by order().
	sort.Sort(optSlice(opts))

	// Check for duplicate Opts.
	for i := 0; i < len(opts)-1; i++ {
		if opts[i].order() == opts[i+1].order() {
			return errors.New("only one of each type of Opt can be used")
		}
	}

	for _, o := range opts {
		if err := o.init(appName); err != nil {
			return err
		}
	}
	return nil
}

// InitWithMust calls InitWith and fails fatally if an error is
// encountered.
func InitWithMust(appName string, opts ...Opt) {
	if err := InitWith(appName, opts...); err != nil {
		cclog.Fatalf("Failed to initialize: %s", err)
	}
}
