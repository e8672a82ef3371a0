package log

import (
	"io"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"

	"firestige.xyz/tap/internal/config"
)

// fanout writes every entry to all destinations. A failing destination
// does not keep the entry from the others.
type fanout []io.Writer

func (f fanout) Write(p []byte) (int, error) {
	var err error
	for _, w := range f {
		if _, e := w.Write(p); e != nil {
			err = e
		}
	}
	return len(p), err
}

// output returns stdout, plus a rolling file when cfg.Enabled. The closer
// releases the file and is nil without one.
func output(cfg config.FileLogConfig) (io.Writer, io.Closer) {
	if !cfg.Enabled {
		return os.Stdout, nil
	}
	file := &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
	return fanout{os.Stdout, file}, file
}
