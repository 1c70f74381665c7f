package logx

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config is read from LOG_* by the autoload package.
type Config struct {
	Level        string `default:"info"`
	PrettyFormat bool   `split_words:"true" default:"false"`
	Service      string `default:"advisor-council"`
}

var DefaultConfig = Config{Level: "info", Service: "advisor-council"}

// New builds a logger writing to w. Unknown levels fall back to info. Debug
// logging adds caller and stack fields.
func New(w io.Writer, conf Config) zerolog.Logger {
	if conf.PrettyFormat {
		w = zerolog.ConsoleWriter{Out: w}
	}

	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(conf.Level)))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	ctx := zerolog.New(w).Level(level).With().Timestamp()
	if service := strings.TrimSpace(conf.Service); service != "" {
		ctx = ctx.Str("service", service)
	}
	if level <= zerolog.DebugLevel {
		ctx = ctx.Caller().Stack()
	}
	return ctx.Logger()
}

// Init replaces the global logger. Without a config DefaultConfig is used.
func Init(opts ...Config) {
	conf := DefaultConfig
	if len(opts) > 0 {
		conf = opts[0]
	}
	log.Logger = New(os.Stdout, conf)
}

// Component returns the global logger tagged with a component name.
func Component(name string) zerolog.Logger {
	return log.Logger.With().Str("component", name).Logger()
}
