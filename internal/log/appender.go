package log

import (
	"io"

	"gopkg.in/natefinch/lumberjack.v2"
)

// multiWriter fans one log stream out to every configured appender. A
// failing appender does not stop the others; the last error wins.
type multiWriter struct {
	writers []io.Writer
}

func newMultiWriter() *multiWriter {
	return &multiWriter{}
}

func (m *multiWriter) Add(writer io.Writer) *multiWriter {
	m.writers = append(m.writers, writer)
	return m
}

func (m *multiWriter) Write(p []byte) (n int, err error) {
	for _, w := range m.writers {
		if _, e := w.Write(p); e != nil {
			err = e
		}
	}
	return len(p), err
}

// fileAppender builds the rotating file sink used by the "file" and "both"
// appender configurations.
func fileAppender(cfg *Config) *lumberjack.Logger {
	path := cfg.File
	if path == "" {
		path = "cnc.log"
	}
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    100,
		MaxBackups: 3,
		MaxAge:     7,
		Compress:   true,
	}
}
