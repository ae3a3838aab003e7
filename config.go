package igmp

import (
	"fmt"
	"time"

	"github.com/blockcast/go-igmp/messages"
)

// Config holds the protocol variables of RFC 3376 Section 8 for one
// interface. Zero derived values are filled by Normalize.
type Config struct {
	Robustness                  uint8         `yaml:"robustness"`
	QueryInterval               time.Duration `yaml:"query-interval"`
	QueryResponseInterval       time.Duration `yaml:"query-response-interval"`
	GroupMembershipInterval     time.Duration `yaml:"group-membership-interval,omitempty"`
	OtherQuerierPresentInterval time.Duration `yaml:"other-querier-present-interval,omitempty"`
	StartupQueryInterval        time.Duration `yaml:"startup-query-interval,omitempty"`
	StartupQueryCount           int           `yaml:"startup-query-count,omitempty"`
	LastMemberQueryInterval     time.Duration `yaml:"last-member-query-interval"`
	LastMemberQueryCount        int           `yaml:"last-member-query-count,omitempty"`
	UnsolicitedReportInterval   time.Duration `yaml:"unsolicited-report-interval"`
}

const (
	DefaultRobustness                = 2
	DefaultQueryInterval             = 125 * time.Second
	DefaultQueryResponseInterval     = 10 * time.Second
	DefaultLastMemberQueryInterval   = time.Second
	DefaultUnsolicitedReportInterval = time.Second
)

func DefaultConfig() Config {
	return Config{
		Robustness:                DefaultRobustness,
		QueryInterval:             DefaultQueryInterval,
		QueryResponseInterval:     DefaultQueryResponseInterval,
		LastMemberQueryInterval:   DefaultLastMemberQueryInterval,
		UnsolicitedReportInterval: DefaultUnsolicitedReportInterval,
	}.Normalize()
}

// Normalize returns c with every derived variable that is zero computed
// from the base variables.
func (c Config) Normalize() Config {
	r := time.Duration(c.Robustness)
	if c.GroupMembershipInterval == 0 {
		c.GroupMembershipInterval = r*c.QueryInterval + c.QueryResponseInterval
	}
	if c.OtherQuerierPresentInterval == 0 {
		c.OtherQuerierPresentInterval = r*c.QueryInterval + c.QueryResponseInterval/2
	}
	if c.StartupQueryInterval == 0 {
		c.StartupQueryInterval = c.QueryInterval / 4
	}
	if c.StartupQueryCount == 0 {
		c.StartupQueryCount = int(c.Robustness)
	}
	if c.LastMemberQueryCount == 0 {
		c.LastMemberQueryCount = int(c.Robustness)
	}
	return c
}

// LastMemberQueryTime is LastMemberQueryInterval * LastMemberQueryCount.
func (c Config) LastMemberQueryTime() time.Duration {
	return c.LastMemberQueryInterval * time.Duration(c.LastMemberQueryCount)
}

// Validate reports the first invalid variable of a normalized config.
func (c Config) Validate() error {
	switch {
	case c.Robustness == 0:
		return fmt.Errorf("%w: robustness must be at least 1", ErrInvalidConfig)
	case c.QueryInterval <= 0:
		return fmt.Errorf("%w: query interval %s", ErrInvalidConfig, c.QueryInterval)
	case c.QueryResponseInterval <= 0:
		return fmt.Errorf("%w: query response interval %s", ErrInvalidConfig, c.QueryResponseInterval)
	case c.QueryResponseInterval >= c.QueryInterval:
		return fmt.Errorf("%w: query response interval %s must be less than query interval %s",
			ErrInvalidConfig, c.QueryResponseInterval, c.QueryInterval)
	case c.QueryResponseInterval > messages.MaxTime:
		return fmt.Errorf("%w: query response interval %s exceeds %s", ErrInvalidConfig, c.QueryResponseInterval, messages.MaxTime)
	case c.QueryInterval > messages.MaxInterval:
		return fmt.Errorf("%w: query interval %s exceeds %s", ErrInvalidConfig, c.QueryInterval, messages.MaxInterval)
	case c.LastMemberQueryInterval <= 0 || c.LastMemberQueryInterval > messages.MaxTime:
		return fmt.Errorf("%w: last member query interval %s", ErrInvalidConfig, c.LastMemberQueryInterval)
	case c.UnsolicitedReportInterval <= 0:
		return fmt.Errorf("%w: unsolicited report interval %s", ErrInvalidConfig, c.UnsolicitedReportInterval)
	case c.GroupMembershipInterval <= 0 || c.OtherQuerierPresentInterval <= 0 || c.StartupQueryInterval <= 0:
		return fmt.Errorf("%w: derived intervals must be positive", ErrInvalidConfig)
	case c.StartupQueryCount <= 0 || c.LastMemberQueryCount <= 0:
		return fmt.Errorf("%w: query counts must be positive", ErrInvalidConfig)
	}
	return nil
}

// qrv is the robustness advertised in queries; values above 7 are sent
// as 0.
func (c Config) qrv() uint8 {
	if c.Robustness > 7 {
		return 0
	}
	return c.Robustness
}
