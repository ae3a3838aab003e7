// Command igmpd runs the IGMPv3 host and router roles on the links named
// by its flags and config file, following them as they come and go.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
)

func main() {
	options, err := parseOptions()
	if err != nil {
		logrus.Fatalf("Could not parse flags: %s", err)
	}
	log := newLogger(options)

	var fc *fileConfig
	if options.ConfigFile != "" {
		if fc, err = readConfigFile(options.ConfigFile); err != nil {
			log.WithError(err).Fatal("could not read config")
		}
	}
	settings, err := mergeSettings(fc, options)
	if err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}
	if len(settings) == 0 {
		log.Fatal("no interfaces configured, use -host, -router or -config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newDaemon(log, settings).run(ctx, options.MetricsAddr); err != nil {
		log.WithError(err).Fatal("igmpd failed")
	}
	log.Info("igmpd stopped")
}

func newLogger(options *Options) *logrus.Logger {
	log := logrus.New()
	switch {
	case options.Trace:
		log.SetLevel(logrus.TraceLevel)
	case options.Verbose:
		log.SetLevel(logrus.DebugLevel)
	default:
		log.SetLevel(logrus.InfoLevel)
	}
	if options.JSON {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log
}
