package main

import (
	"io"

	"github.com/sirupsen/logrus"
)

// LogSplitHook directs matched levels to its configured output.
type LogSplitHook struct {
	output io.Writer
	levels []logrus.Level
}

// Fire writes the formatted entry when its level is one of the hook's.
func (hook *LogSplitHook) Fire(entry *logrus.Entry) error {
	for _, level := range hook.levels {
		if level != entry.Level {
			continue
		}
		line, err := entry.String()
		if err != nil {
			return err
		}
		_, err = io.WriteString(hook.output, line)
		return err
	}
	return nil
}

// Levels returns the levels the hook is applied to.
func (hook *LogSplitHook) Levels() []logrus.Level {
	return hook.levels
}

// splitHooks send routine log lines to stdout and failures to stderr.
func splitHooks(stdout, stderr io.Writer) []logrus.Hook {
	return []logrus.Hook{
		&LogSplitHook{stdout, []logrus.Level{
			logrus.WarnLevel, logrus.InfoLevel, logrus.DebugLevel, logrus.TraceLevel}},
		&LogSplitHook{stderr, []logrus.Level{
			logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel}},
	}
}
