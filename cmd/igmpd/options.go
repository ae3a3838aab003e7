package main

import (
	"time"

	"github.com/projectdiscovery/goflags"
)

// Options are the command line flags. Flags that are set override the
// config file.
type Options struct {
	ConfigFile string
	Host       goflags.StringSlice
	Router     goflags.StringSlice
	Join       goflags.StringSlice

	Robustness            int
	QueryInterval         time.Duration
	QueryResponseInterval time.Duration

	MetricsAddr string

	Verbose bool
	Trace   bool
	JSON    bool
}

func parseOptions() (*Options, error) {
	options := &Options{}
	flagSet := goflags.NewFlagSet()
	flagSet.SetDescription(`igmpd runs IGMPv3 host and router roles on the local interfaces`)

	flagSet.CreateGroup("config", "Config",
		flagSet.StringVarP(&options.ConfigFile, "config", "c", "", "yaml file listing interfaces, roles and joins"),
		flagSet.StringSliceVar(&options.Host, "host", nil, "interfaces to run the host role on (comma separated)", goflags.CommaSeparatedStringSliceOptions),
		flagSet.StringSliceVar(&options.Router, "router", nil, "interfaces to run the router role on (comma separated)", goflags.CommaSeparatedStringSliceOptions),
		flagSet.StringSliceVarP(&options.Join, "join", "j", nil, "static joins as iface=group[,iface=group...]", goflags.CommaSeparatedStringSliceOptions),
	)

	flagSet.CreateGroup("protocol", "Protocol",
		flagSet.IntVarP(&options.Robustness, "robustness", "r", 0, "robustness variable for every interface"),
		flagSet.DurationVarP(&options.QueryInterval, "query-interval", "qi", 0, "interval between general queries"),
		flagSet.DurationVarP(&options.QueryResponseInterval, "query-response-interval", "qri", 0, "max response time advertised in general queries"),
	)

	flagSet.CreateGroup("metrics", "Metrics",
		flagSet.StringVarP(&options.MetricsAddr, "metrics-addr", "ma", ":9581", "address to serve prometheus metrics on (empty to disable)"),
	)

	flagSet.CreateGroup("debug", "Debug",
		flagSet.BoolVarP(&options.Verbose, "verbose", "v", false, "log every message and timer"),
		flagSet.BoolVar(&options.Trace, "trace", false, "also dump every received packet"),
		flagSet.BoolVar(&options.JSON, "json", false, "log in json"),
	)

	if err := flagSet.Parse(); err != nil {
		return nil, err
	}
	return options, nil
}
