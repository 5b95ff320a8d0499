package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls the process-wide logger.
type Config struct {
	Level      string `env:"LOG_LEVEL" envDefault:"info"`
	File       string `env:"LOG_FILE" envDefault:""`
	MaxSizeMB  int    `env:"LOG_MAX_SIZE_MB" envDefault:"100"`
	MaxBackups int    `env:"LOG_MAX_BACKUPS" envDefault:"1"`
}

var (
	root    = logrus.New()
	logFile *lumberjack.Logger
)

// Setup configures the root logger: text output with timestamps on stdout,
// optionally duplicated into a size-rotated file.
func Setup(cfg Config) error {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return err
	}
	root.SetLevel(level)
	root.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05.000",
	})

	if cfg.File != "" {
		logFile = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
		}
		root.SetOutput(io.MultiWriter(os.Stdout, logFile))
	} else {
		root.SetOutput(os.Stdout)
	}

	return nil
}

// Close flushes and closes the rotated log file, if one was configured.
func Close() {
	if logFile != nil {
		_ = logFile.Close()
		logFile = nil
	}
}

// Component returns a named logger entry for a subsystem.
func Component(name string) *logrus.Entry {
	return root.WithField("name", name)
}
