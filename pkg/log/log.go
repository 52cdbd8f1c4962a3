package log

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rivo/uniseg"
	"github.com/sirupsen/logrus"
	waLog "go.mau.fi/whatsmeow/util/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/gdbrns/whatsapp-companion-bridge/pkg/env"
)

const previewLimit = 160

var logger = logrus.New()

func init() {
	logger.Formatter = &logrus.TextFormatter{
		TimestampFormat: time.RFC3339,
		FullTimestamp:   true,
		DisableColors:   false,
		ForceColors:     true,
	}

	// LOG_FILE: optional rotating file, teed with stdout
	if path := env.GetEnvStringOrDefault("LOG_FILE", ""); path != "" {
		rotator := &lumberjack.Logger{
			Filename:   path,
			MaxSize:    env.GetEnvIntOrDefault("LOG_FILE_MAX_SIZE_MB", 50),
			MaxBackups: env.GetEnvIntOrDefault("LOG_FILE_MAX_BACKUPS", 5),
			MaxAge:     env.GetEnvIntOrDefault("LOG_FILE_MAX_AGE_DAYS", 14),
		}
		logger.SetOutput(io.MultiWriter(os.Stdout, rotator))
	}
}

// SetLevel applies a textual level such as "debug" or "warn". Unknown values keep the current level.
func SetLevel(level string) {
	parsed, err := logrus.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		logger.WithField("level", level).Warn("Invalid log level, keeping " + logger.GetLevel().String())
		return
	}
	logger.SetLevel(parsed)
}

func Print(c *fiber.Ctx) *logrus.Entry {
	if c == nil {
		return logger.WithFields(logrus.Fields{})
	}

	remoteIP := c.IP()
	if v := c.Locals("remote_ip"); v != nil {
		if ip, ok := v.(string); ok && ip != "" {
			remoteIP = ip
		}
	}
	fields := logrus.Fields{
		"remote_ip": remoteIP,
		"method":    c.Method(),
		"uri":       c.OriginalURL(),
	}
	if id, ok := c.Locals("request_id").(string); ok && id != "" {
		fields["request_id"] = id
	}
	return logger.WithFields(fields)
}

// Preview shortens text to a log-friendly length without splitting grapheme clusters.
func Preview(text string) string {
	return PreviewN(text, previewLimit)
}

func PreviewN(text string, limit int) string {
	if limit <= 0 || text == "" {
		return ""
	}
	var b strings.Builder
	count := 0
	graphemes := uniseg.NewGraphemes(text)
	for graphemes.Next() {
		if count == limit {
			b.WriteString("…")
			break
		}
		b.WriteString(graphemes.Str())
		count++
	}
	return b.String()
}

// MaskJID hides the last digits of an address before it is logged.
func MaskJID(jid string) string {
	user, server, found := strings.Cut(jid, "@")
	if len(user) < 4 {
		return jid
	}
	masked := user[0:len(user)-4] + "xxxx"
	if found {
		return masked + "@" + server
	}
	return masked
}

type waLogger struct {
	entry *logrus.Entry
	min   logrus.Level
}

// WhatsMeow returns a whatsmeow logger that writes through logrus, dropping records below level.
func WhatsMeow(module string, level string) waLog.Logger {
	parsed, err := logrus.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		parsed = logrus.WarnLevel
	}
	return &waLogger{entry: logger.WithField("module", module), min: parsed}
}

func (l *waLogger) logf(level logrus.Level, msg string, args ...interface{}) {
	if level > l.min {
		return
	}
	l.entry.Logf(level, msg, args...)
}

func (l *waLogger) Errorf(msg string, args ...interface{}) { l.logf(logrus.ErrorLevel, msg, args...) }
func (l *waLogger) Warnf(msg string, args ...interface{})  { l.logf(logrus.WarnLevel, msg, args...) }
func (l *waLogger) Infof(msg string, args ...interface{})  { l.logf(logrus.InfoLevel, msg, args...) }
func (l *waLogger) Debugf(msg string, args ...interface{}) { l.logf(logrus.DebugLevel, msg, args...) }

func (l *waLogger) Sub(module string) waLog.Logger {
	parent, _ := l.entry.Data["module"].(string)
	if parent != "" {
		module = parent + "/" + module
	}
	return &waLogger{entry: logger.WithField("module", module), min: l.min}
}
