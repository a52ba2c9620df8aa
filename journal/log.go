/*
	Backpacking
	Copyright (c) 2025 The Backpacking Authors

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU Affero General Public License as published
	by the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU Affero General Public License for more details.

	You should have received a copy of the GNU Affero General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package journal

import (
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Log is the process log; components log through named children of it.
// It starts with DefaultLogOptions and is replaced by SetupLog once the
// configuration is known.
var Log = mustLogger(DefaultLogOptions())

// LogOptions tunes the process log.
type LogOptions struct {
	// Minimum level emitted: debug, info, warn or error.
	Level string

	// "console" for colored human-readable lines, "json" for one
	// object per line.
	Format string

	// Per message and second, the first SampleFirst entries are kept and
	// then every SampleThereafter-th. SampleFirst of 0 disables sampling.
	SampleFirst      int
	SampleThereafter int
}

// DefaultLogOptions logs everything to the console; a large upload emits
// one line per variant, so repeats are thinned out.
func DefaultLogOptions() LogOptions {
	return LogOptions{
		Level:            "debug",
		Format:           "console",
		SampleFirst:      10,
		SampleThereafter: 100,
	}
}

// NewLogger returns a logger writing to stderr as opts describe.
// Entries from the "ingest" logger and errors bypass sampling.
func NewLogger(opts LogOptions) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(opts.Level)
	if err != nil {
		return nil, fmt.Errorf("%w: log level: %w", ErrInvalidInput, err)
	}

	encCfg := zap.NewProductionEncoderConfig()
	var enc zapcore.Encoder
	switch opts.Format {
	case "", "console":
		encCfg.EncodeTime = func(ts time.Time, pae zapcore.PrimitiveArrayEncoder) {
			pae.AppendString(ts.UTC().Format("2006/01/02 15:04:05.000"))
		}
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	case "json":
		encCfg.EncodeTime = zapcore.RFC3339NanoTimeEncoder
		enc = zapcore.NewJSONEncoder(encCfg)
	default:
		return nil, fmt.Errorf("%w: unknown log format %q", ErrInvalidInput, opts.Format)
	}

	core := zapcore.NewCore(enc, zapcore.Lock(os.Stderr), level)
	if opts.SampleFirst > 0 {
		core = &unsampledCore{
			Core:    core,
			sampler: zapcore.NewSamplerWithOptions(core, time.Second, opts.SampleFirst, max(1, opts.SampleThereafter)),
		}
	}
	return zap.New(core), nil
}

// SetupLog replaces Log. Call it before any component takes a named
// child of Log.
func SetupLog(opts LogOptions) error {
	logger, err := NewLogger(opts)
	if err != nil {
		return err
	}
	Log = logger
	return nil
}

func mustLogger(opts LogOptions) *zap.Logger {
	logger, err := NewLogger(opts)
	if err != nil {
		panic(err)
	}
	return logger
}

// unsampledCore routes entries through sampler, except per-upload
// outcomes and errors, which always reach Core.
type unsampledCore struct {
	zapcore.Core
	sampler zapcore.Core
}

func (c *unsampledCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if ent.LoggerName == "ingest" || ent.Level >= zapcore.ErrorLevel {
		return c.Core.Check(ent, ce)
	}
	return c.sampler.Check(ent, ce)
}

func (c *unsampledCore) With(fields []zapcore.Field) zapcore.Core {
	return &unsampledCore{Core: c.Core.With(fields), sampler: c.sampler.With(fields)}
}
