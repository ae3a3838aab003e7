package main

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strings"

	igmp "github.com/blockcast/go-igmp"
	"gopkg.in/yaml.v3"
)

// fileConfig is the yaml config file:
//
//	defaults:
//	  robustness: 2
//	  query-interval: 125s
//	interfaces:
//	  - name: eth0
//	    router: true
//	    config:
//	      last-member-query-interval: 500ms
//	  - name: eth1
//	    host: true
//	    joins:
//	      - group: 232.1.1.1
//	        mode: include
//	        sources: [192.0.2.10]
type fileConfig struct {
	Defaults   yaml.Node         `yaml:"defaults"`
	Interfaces []interfaceConfig `yaml:"interfaces"`
}

type interfaceConfig struct {
	Name   string       `yaml:"name"`
	Host   bool         `yaml:"host"`
	Router bool         `yaml:"router"`
	Config yaml.Node    `yaml:"config"`
	Joins  []staticJoin `yaml:"joins"`
}

type staticJoin struct {
	Group   netip.Addr   `yaml:"group"`
	Mode    string       `yaml:"mode"`
	Sources []netip.Addr `yaml:"sources"`
}

func (j staticJoin) filterMode() (igmp.FilterMode, error) {
	switch strings.ToLower(j.Mode) {
	case "", "exclude":
		return igmp.Exclude, nil
	case "include":
		if len(j.Sources) == 0 {
			return igmp.Include, fmt.Errorf("include join of %s without sources", j.Group)
		}
		return igmp.Include, nil
	default:
		return igmp.Include, fmt.Errorf("unknown filter mode %q for %s", j.Mode, j.Group)
	}
}

// ifaceSettings is everything the daemon runs on one named interface.
type ifaceSettings struct {
	host, router bool
	cfg          igmp.Config
	joins        []staticJoin
}

// baseConfig is the default config without derived values, so that
// overriding a base variable also moves the values derived from it.
func baseConfig() igmp.Config {
	d := igmp.DefaultConfig()
	return igmp.Config{
		Robustness:                d.Robustness,
		QueryInterval:             d.QueryInterval,
		QueryResponseInterval:     d.QueryResponseInterval,
		LastMemberQueryInterval:   d.LastMemberQueryInterval,
		UnsolicitedReportInterval: d.UnsolicitedReportInterval,
	}
}

func readConfigFile(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	fc := &fileConfig{}
	if err := yaml.Unmarshal(data, fc); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return fc, nil
}

// mergeSettings merges the config file with the command line. Flags add
// roles and joins and override protocol variables everywhere.
func mergeSettings(fc *fileConfig, options *Options) (map[string]*ifaceSettings, error) {
	if fc == nil {
		fc = &fileConfig{}
	}
	defaults := baseConfig()
	if !fc.Defaults.IsZero() {
		if err := fc.Defaults.Decode(&defaults); err != nil {
			return nil, fmt.Errorf("defaults: %w", err)
		}
	}

	out := make(map[string]*ifaceSettings)
	get := func(name string) *ifaceSettings {
		s, ok := out[name]
		if !ok {
			s = &ifaceSettings{cfg: defaults}
			out[name] = s
		}
		return s
	}

	var errs []error
	for _, ic := range fc.Interfaces {
		if ic.Name == "" {
			errs = append(errs, errors.New("interface without a name"))
			continue
		}
		s := get(ic.Name)
		s.host = s.host || ic.Host
		s.router = s.router || ic.Router
		if !ic.Config.IsZero() {
			if err := ic.Config.Decode(&s.cfg); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", ic.Name, err))
			}
		}
		s.joins = append(s.joins, ic.Joins...)
	}

	for _, name := range options.Host {
		get(name).host = true
	}
	for _, name := range options.Router {
		get(name).router = true
	}
	for _, j := range options.Join {
		name, group, ok := strings.Cut(j, "=")
		if !ok {
			errs = append(errs, fmt.Errorf("join %q is not iface=group", j))
			continue
		}
		g, err := netip.ParseAddr(group)
		if err != nil {
			errs = append(errs, fmt.Errorf("join %q: %w", j, err))
			continue
		}
		s := get(name)
		s.host = true
		s.joins = append(s.joins, staticJoin{Group: g})
	}

	for name, s := range out {
		if options.Robustness > 0 {
			s.cfg.Robustness = uint8(options.Robustness)
		}
		if options.QueryInterval > 0 {
			s.cfg.QueryInterval = options.QueryInterval
		}
		if options.QueryResponseInterval > 0 {
			s.cfg.QueryResponseInterval = options.QueryResponseInterval
		}
		if err := s.cfg.Normalize().Validate(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
		for _, j := range s.joins {
			if _, err := j.filterMode(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
		}
		if len(s.joins) > 0 && !s.host {
			errs = append(errs, fmt.Errorf("%s: joins need the host role", name))
		}
		if !s.host && !s.router {
			delete(out, name)
		}
	}
	return out, errors.Join(errs...)
}
