// Package pressure carries memory-pressure signals from the host to the
// feature modules holding inference resources.
package pressure

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Level is a memory-pressure severity. Higher values are more severe.
type Level int

const (
	Background Level = iota
	Moderate
	Critical
)

func (l Level) String() string {
	switch l {
	case Background:
		return "background"
	case Moderate:
		return "moderate"
	case Critical:
		return "critical"
	}
	return fmt.Sprintf("level(%d)", int(l))
}

var ErrUnknownLevel = errors.New("unknown pressure level")

// ParseLevel accepts the names produced by String, case-insensitively.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "background":
		return Background, nil
	case "moderate":
		return Moderate, nil
	case "critical":
		return Critical, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownLevel, s)
}

func (l Level) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

func (l *Level) UnmarshalText(b []byte) error {
	v, err := ParseLevel(string(b))
	if err != nil {
		return err
	}
	*l = v
	return nil
}

// Policy decides when an idle resource is released.
//
// Critical always releases. Moderate releases after ModerateIdle of
// inactivity, Background after BackgroundIdle. IdleTimeout, when set, makes
// the idle clock alone sufficient.
type Policy struct {
	ModerateIdle   time.Duration `mapstructure:"moderate_idle"`
	BackgroundIdle time.Duration `mapstructure:"background_idle"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
}

func DefaultPolicy() Policy {
	return Policy{
		ModerateIdle:   30 * time.Second,
		BackgroundIdle: 5 * time.Minute,
	}
}

var ErrInvalidPolicy = errors.New("invalid pressure policy")

func (p Policy) Validate() error {
	if p.ModerateIdle < 0 || p.BackgroundIdle < 0 || p.IdleTimeout < 0 {
		return fmt.Errorf("%w: durations must not be negative", ErrInvalidPolicy)
	}
	if p.BackgroundIdle < p.ModerateIdle {
		return fmt.Errorf("%w: background idle %s is shorter than moderate idle %s", ErrInvalidPolicy, p.BackgroundIdle, p.ModerateIdle)
	}
	return nil
}

// ShouldEvict reports whether a resource idle for idle should be released at
// level.
func (p Policy) ShouldEvict(level Level, idle time.Duration) bool {
	switch {
	case level >= Critical:
		return true
	case level == Moderate:
		return idle > p.ModerateIdle
	default:
		return idle > p.BackgroundIdle
	}
}

// Expired reports whether idle exceeds the optional idle timeout.
func (p Policy) Expired(idle time.Duration) bool {
	return p.IdleTimeout > 0 && idle > p.IdleTimeout
}
