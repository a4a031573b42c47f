package logging

import (
	"io"
	"os"
	"regexp"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// CensorWriter masks secrets before log lines reach their sink.
type CensorWriter struct {
	io.Writer
	patterns []*regexp.Regexp
}

// Each pattern keeps its first group and masks the rest of the match. Only
// key/value forms are matched so ordinary words like "Token" in a message
// pass through.
var censorPatterns = []*regexp.Regexp{
	// "admin_token":"..." in JSON output
	regexp.MustCompile(`(?i)("[a-z_]*(?:password|secret|token)"\s*:\s*")(?:[^"\\]|\\.)*`),
	// token=... in logfmt-style text
	regexp.MustCompile(`(?i)(\b[a-z_]*(?:password|secret|token)=)[^\s,&"]+`),
	regexp.MustCompile(`(Bearer\s+)[A-Za-z0-9._~+/=-]+`),
}

func NewCensorWriter(w io.Writer) *CensorWriter {
	return &CensorWriter{Writer: w, patterns: censorPatterns}
}

func (w *CensorWriter) Write(p []byte) (n int, err error) {
	censored := p
	for _, re := range w.patterns {
		censored = re.ReplaceAll(censored, []byte(`${1}[CENSORED]`))
	}
	if _, err := w.Writer.Write(censored); err != nil {
		return 0, err
	}
	// zerolog treats a short count as a failed write
	return len(p), nil
}

type Options struct {
	Debug bool
	// File enables an additional JSON log file with rotation.
	File      string
	Component string
}

// Setup installs the global zerolog logger: console output on stderr and,
// when configured, a rotated JSON file.
func Setup(opts Options) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	writers := []io.Writer{zerolog.ConsoleWriter{Out: os.Stderr}}
	if opts.File != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    100, // megabytes
			MaxBackups: 5,
			MaxAge:     14, // days
			Compress:   true,
		})
	}

	ctx := zerolog.New(NewCensorWriter(zerolog.MultiLevelWriter(writers...))).With().Timestamp()
	if opts.Component != "" {
		ctx = ctx.Str("component", opts.Component)
	}
	zlog.Logger = ctx.Logger()

	if opts.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
