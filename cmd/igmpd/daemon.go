package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	igmp "github.com/blockcast/go-igmp"
	"github.com/blockcast/go-igmp/ifdir"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// daemon applies link events to a Node: links named in the settings get
// a socket, the configured roles and their static joins.
type daemon struct {
	log       *logrus.Logger
	settings  map[string]*ifaceSettings
	node      *igmp.Node
	transport *igmp.RawTransport

	// serving holds the read loop of every open link by index.
	serving map[int]context.CancelFunc
}

func newDaemon(log *logrus.Logger, settings map[string]*ifaceSettings) *daemon {
	transport := igmp.NewRawTransport(log.WithField("component", "transport"))
	engine := igmp.NewEngine(igmp.Options{
		Transport: transport,
		Sink:      igmp.LogSink{Logger: log.WithField("component", "forwarding")},
		Logger:    log.WithField("component", "engine"),
	})
	return &daemon{
		log:       log,
		settings:  settings,
		node:      igmp.NewNode(engine),
		transport: transport,
		serving:   make(map[int]context.CancelFunc),
	}
}

func (d *daemon) run(ctx context.Context, metricsAddr string) error {
	defer d.transport.CloseAll()

	nodeErr := make(chan error, 1)
	go func() { nodeErr <- d.node.Run(ctx) }()

	if metricsAddr != "" {
		srv := d.metricsServer(metricsAddr)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				d.log.WithError(err).Error("metrics server failed")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	events, err := ifdir.Watch(ctx, d.log.WithField("component", "ifdir"))
	if err != nil {
		return fmt.Errorf("failed to watch links: %w", err)
	}
	for ev := range events {
		s, ok := d.settings[ev.Link.Name]
		if !ok {
			continue
		}
		log := d.log.WithFields(logrus.Fields{"iface": ev.Link.Name, "event": ev.Type})
		if err := d.apply(ctx, ev, s); err != nil {
			log.WithError(err).Error("failed to apply link event")
			continue
		}
		log.WithField("addr", ev.Link.Addr).Info("link event applied")
	}

	if err := <-nodeErr; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (d *daemon) apply(ctx context.Context, ev ifdir.Event, s *ifaceSettings) error {
	ifc := igmp.Interface{ID: ev.Link.Index, Name: ev.Link.Name, Addr: ev.Link.Addr, MTU: ev.Link.MTU}
	switch ev.Type {
	case ifdir.Added:
		return d.start(ctx, ifc, s)
	case ifdir.Removed:
		d.stop(ctx, ifc.ID)
		return nil
	case ifdir.Changed:
		d.transport.SetSource(ifc.ID, ifc.Addr)
		return d.node.Do(ctx, func(e *igmp.Engine) error { return e.UpdateInterface(ifc) })
	}
	return nil
}

func (d *daemon) start(ctx context.Context, ifc igmp.Interface, s *ifaceSettings) error {
	ifi, err := net.InterfaceByIndex(ifc.ID)
	if err != nil {
		return err
	}
	if err := d.transport.Open(ifi, ifc.Addr, s.router); err != nil {
		return err
	}
	err = d.node.Do(ctx, func(e *igmp.Engine) error {
		if s.host {
			if err := e.EnableHost(ifc, s.cfg); err != nil {
				return err
			}
		}
		if s.router {
			if err := e.EnableRouter(ifc, s.cfg); err != nil {
				return err
			}
		}
		for _, j := range s.joins {
			mode, _ := j.filterMode()
			if err := e.SetInterest(ifc.ID, j.Group, mode, j.Sources); err != nil {
				return fmt.Errorf("join %s: %w", j.Group, err)
			}
		}
		return nil
	})
	if err != nil {
		d.stop(ctx, ifc.ID)
		return err
	}

	serveCtx, cancel := context.WithCancel(ctx)
	d.serving[ifc.ID] = cancel
	go func() {
		if err := d.transport.Serve(serveCtx, ifc.ID, d.node.Inbound()); err != nil && !errors.Is(err, context.Canceled) {
			d.log.WithError(err).WithField("iface", ifc.Name).Error("receive loop stopped")
		}
	}()
	return nil
}

func (d *daemon) stop(ctx context.Context, ifID int) {
	if cancel, ok := d.serving[ifID]; ok {
		cancel()
		delete(d.serving, ifID)
	}
	_ = d.node.Do(ctx, func(e *igmp.Engine) error {
		e.RemoveInterface(ifID)
		return nil
	})
	if err := d.transport.Close(ifID); err != nil {
		d.log.WithError(err).WithField("ifindex", ifID).Warn("failed to close socket")
	}
}

func (d *daemon) metricsServer(addr string) *http.Server {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		igmp.NewCollector(d.node.Stats()),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}
