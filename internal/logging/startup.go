package logging

import (
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// StartupLogger collects the identity, resources, and settings of a batch
// run, then emits them as a single structured event. One line at the top of
// the log says exactly how a run was configured, which is what you need when
// picking a resume point later.
type StartupLogger struct {
	name      string
	runID     string
	version   string
	buildTime string
	initDur   time.Duration

	resources map[string]string
	features  map[string]bool
	config    map[string]string
}

// NewStartupLogger creates a StartupLogger for the named command.
func NewStartupLogger(name string) *StartupLogger {
	return &StartupLogger{
		name:      name,
		resources: make(map[string]string),
		features:  make(map[string]bool),
		config:    make(map[string]string),
	}
}

// RunID sets the identifier shared by every record this run writes.
func (s *StartupLogger) RunID(id string) *StartupLogger {
	s.runID = id
	return s
}

// Version sets the build version and timestamp baked in at link time.
func (s *StartupLogger) Version(version, buildTime string) *StartupLogger {
	s.version = version
	s.buildTime = buildTime
	return s
}

// Resource registers an external resource (bucket, table, bus, endpoint).
func (s *StartupLogger) Resource(label, name string) *StartupLogger {
	if name != "" {
		s.resources[label] = name
	}
	return s
}

// Feature registers an optional sink as enabled or disabled.
func (s *StartupLogger) Feature(name string, enabled bool) *StartupLogger {
	s.features[name] = enabled
	return s
}

// Config registers a non-sensitive setting.
func (s *StartupLogger) Config(key, value string) *StartupLogger {
	s.config[key] = value
	return s
}

// InitDuration records how long bootstrap took.
func (s *StartupLogger) InitDuration(d time.Duration) *StartupLogger {
	s.initDur = d
	return s
}

// Log emits the collected information as one INFO event.
func (s *StartupLogger) Log() {
	s.event(log.Info()).Msg("Batch run configured")
}

func (s *StartupLogger) event(evt *zerolog.Event) *zerolog.Event {
	run := zerolog.Dict().
		Str("name", s.name).
		Str("goVersion", runtime.Version()).
		Str("arch", runtime.GOARCH)
	if s.runID != "" {
		run = run.Str("runId", s.runID)
	}
	if s.version != "" {
		run = run.Str("version", s.version)
	}
	if s.buildTime != "" {
		run = run.Str("buildTime", s.buildTime)
	}
	evt = evt.Dict("run", run)

	if len(s.resources) > 0 {
		evt = evt.Dict("resources", dictFromMap(s.resources))
	}
	if len(s.features) > 0 {
		d := zerolog.Dict()
		for k, v := range s.features {
			d = d.Bool(k, v)
		}
		evt = evt.Dict("features", d)
	}
	if len(s.config) > 0 {
		evt = evt.Dict("config", dictFromMap(s.config))
	}
	if s.initDur > 0 {
		evt = evt.Dur("initDuration", s.initDur)
	}
	return evt
}

// dictFromMap converts a map[string]string into a zerolog.Event (Dict).
func dictFromMap(m map[string]string) *zerolog.Event {
	d := zerolog.Dict()
	for k, v := range m {
		d = d.Str(k, v)
	}
	return d
}
