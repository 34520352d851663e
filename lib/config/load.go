// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"git.cibroker.org/cibroker.git/sdk/go/cibroker"
	"github.com/ghodss/yaml"
	"github.com/sirupsen/logrus"
	"rsc.io/getopt"
)

// DefaultYAML is the default config file. Every setting has an
// entry, with a comment explaining it.
//
//go:embed config.default.yml
var DefaultYAML []byte

// DefaultPaths are the config files Load looks for, in order, if
// Path is empty. Only the first one found is used.
var DefaultPaths = []string{"/etc/cibroker/client.yml", "client.yml"}

// Keys used by older clients, which are accepted without warning and
// ignored.
var legacyKeys = map[string]bool{
	"logPath":      true,
	"operationLog": true,
	"onstart":      true,
	"jobs":         true,
	"version":      true,
}

type Loader struct {
	Stdin  io.Reader
	Logger logrus.FieldLogger

	// Config file to load. "-" means Stdin. Empty means the
	// first of DefaultPaths that exists, if any.
	Path string

	// Don't call (*Settings)Check() before returning. Useful for
	// dumping an incomplete config.
	SkipCheck bool

	// Values given on the command line, by settings key.
	overrides map[string]string
}

// NewLoader returns a new Loader with Stdin and Logger set to the
// given values, and all config paths set to their default values.
func NewLoader(stdin io.Reader, logger logrus.FieldLogger) *Loader {
	return &Loader{Stdin: stdin, Logger: logger, overrides: map[string]string{}}
}

// A settingFlag is a command line flag that overrides a settings
// key. Long flag names are the settings keys themselves, so
// "--logPageSize 10" overrides "logPageSize: 10" in a config file.
type settingFlag struct {
	key   string
	alias string
	usage string
	set   func(*cibroker.Settings, string) error
}

var settingFlags = []settingFlag{
	{"command", "c", "shell `command` to run on a slave", func(s *cibroker.Settings, v string) error {
		s.Command = v
		return nil
	}},
	{"tags", "t", "comma-separated `tags`; use any slave that has one of them", func(s *cibroker.Settings, v string) error {
		return s.Tags.Set(v)
	}},
	{"controllerUrl", "", "controller `URL`", func(s *cibroker.Settings, v string) error {
		s.ControllerURL = v
		return nil
	}},
	{"coordinator", "", "coordinator base `URL`", func(s *cibroker.Settings, v string) error {
		s.Coordinator = v
		return nil
	}},
	{"protocol", "", "`scheme` used to reach slaves (http or https)", func(s *cibroker.Settings, v string) error {
		s.Protocol = v
		return nil
	}},
	{"port", "p", "`port` used to reach slaves", intSetter(func(s *cibroker.Settings) *int { return &s.Port })},
	{"timeout", "", "request `timeout` (duration, or milliseconds; 0 means none)", durationSetter(func(s *cibroker.Settings) *cibroker.Duration { return &s.Timeout })},
	{"slavePollInterval", "", "`interval` between job status polls", durationSetter(func(s *cibroker.Settings) *cibroker.Duration { return &s.SlavePollInterval })},
	{"logPageSize", "", "maximum log `lines` per status poll", intSetter(func(s *cibroker.Settings) *int { return &s.LogPageSize })},
	{"coordinatorInterval", "", "pause before each attempt to submit the job", durationSetter(func(s *cibroker.Settings) *cibroker.Duration { return &s.CoordinatorInterval })},
	{"maxAttempts", "", "give up after this many `attempts` to submit the job", intSetter(func(s *cibroker.Settings) *int { return &s.MaxAttempts })},
	{"cleanupRetries", "", "`retries` for deleting the finished job", intSetter(func(s *cibroker.Settings) *int { return &s.CleanupRetries })},
	{"logLevel", "", "diagnostic log `level`", func(s *cibroker.Settings, v string) error {
		s.LogLevel = v
		return nil
	}},
	{"logFormat", "", "diagnostic log `format` (text or json)", func(s *cibroker.Settings, v string) error {
		s.LogFormat = v
		return nil
	}},
	{"metricsFile", "", "write metrics to `file` before exiting", func(s *cibroker.Settings, v string) error {
		s.MetricsFile = v
		return nil
	}},
}

func intSetter(field func(*cibroker.Settings) *int) func(*cibroker.Settings, string) error {
	return func(s *cibroker.Settings, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*field(s) = n
		return nil
	}
}

func durationSetter(field func(*cibroker.Settings) *cibroker.Duration) func(*cibroker.Settings, string) error {
	return func(s *cibroker.Settings, v string) error {
		return field(s).Set(v)
	}
}

// overrideValue is a flag.Value that records the given value for
// Load to apply after reading the config file.
type overrideValue struct {
	ldr *Loader
	key string
}

func (ov overrideValue) String() string {
	if ov.ldr == nil {
		return ""
	}
	return ov.ldr.overrides[ov.key]
}

func (ov overrideValue) Set(s string) error {
	ov.ldr.overrides[ov.key] = s
	return nil
}

// SetupFlags configures a flagset so arguments like -config X and
// --command Y can be used to override the config file location and
// individual settings.
func (ldr *Loader) SetupFlags(flagset *getopt.FlagSet) {
	if ldr.overrides == nil {
		ldr.overrides = map[string]string{}
	}
	flagset.StringVar(&ldr.Path, "config", ldr.Path, "config `file` (- for stdin; default "+strings.Join(DefaultPaths, " or ")+")")
	flagset.Alias("f", "config")
	for _, sf := range settingFlags {
		flagset.Var(overrideValue{ldr: ldr, key: sf.key}, sf.key, sf.usage)
		if sf.alias != "" {
			flagset.Alias(sf.alias, sf.key)
		}
	}
}

// Load returns the resolved settings: defaults, overridden by the
// config file, overridden by command line flags.
func (ldr *Loader) Load() (*cibroker.Settings, error) {
	var s cibroker.Settings
	err := yaml.Unmarshal(DefaultYAML, &s)
	if err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	path, buf, err := ldr.readConfigFile()
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(buf)) > 0 {
		ldr.logExtraKeys(path, buf)
		err = yaml.Unmarshal(buf, &s)
		if err != nil {
			return nil, fmt.Errorf("unable to parse %s: %w", path, err)
		}
	}

	var keys []string
	for key := range ldr.overrides {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		sf, ok := lookupFlag(key)
		if !ok {
			return nil, fmt.Errorf("BUG: no setting for flag %q", key)
		}
		err := sf.set(&s, ldr.overrides[key])
		if err != nil {
			return nil, fmt.Errorf("invalid --%s value %q: %w", key, ldr.overrides[key], err)
		}
	}

	if !ldr.SkipCheck {
		err = s.Check()
		if err != nil {
			return nil, err
		}
	}
	return &s, nil
}

func lookupFlag(key string) (settingFlag, bool) {
	for _, sf := range settingFlags {
		if sf.key == key {
			return sf, true
		}
	}
	return settingFlag{}, false
}

// readConfigFile returns the name and content of the config file to
// load, or an empty path and nil content if there is none.
func (ldr *Loader) readConfigFile() (string, []byte, error) {
	switch ldr.Path {
	case "-":
		if ldr.Stdin == nil {
			return "", nil, errors.New("cannot read config from stdin: no stdin")
		}
		buf, err := io.ReadAll(ldr.Stdin)
		return "stdin", buf, err
	case "":
		for _, path := range DefaultPaths {
			buf, err := os.ReadFile(path)
			if os.IsNotExist(err) {
				continue
			}
			return path, buf, err
		}
		return "", nil, nil
	default:
		buf, err := os.ReadFile(ldr.Path)
		return ldr.Path, buf, err
	}
}

var knownKeys = func() map[string]bool {
	known := map[string]bool{}
	t := reflect.TypeOf(cibroker.Settings{})
	for i := 0; i < t.NumField(); i++ {
		if tag := strings.Split(t.Field(i).Tag.Get("json"), ",")[0]; tag != "" && tag != "-" {
			known[tag] = true
		}
	}
	return known
}()

// logExtraKeys logs a warning for each top-level key in the config
// file that doesn't correspond to a setting.
func (ldr *Loader) logExtraKeys(path string, buf []byte) {
	if ldr.Logger == nil {
		return
	}
	var supplied map[string]interface{}
	if yaml.Unmarshal(buf, &supplied) != nil {
		// The real unmarshal will report the error.
		return
	}
	var extra []string
	for key := range supplied {
		if !knownKeys[key] && !legacyKeys[key] {
			extra = append(extra, key)
		}
	}
	sort.Strings(extra)
	for _, key := range extra {
		ldr.Logger.Warnf("%s: deprecated or unknown config entry: %s", path, key)
	}
}
