package logx

import (
	"log"
	"os"
	"strings"
)

// Level mirrors the NETSIGHT_LOG environment variable. Everything at or
// above the configured level is printed through the standard logger.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var current = levelFromEnv()

func levelFromEnv() Level {
	switch strings.ToLower(os.Getenv("NETSIGHT_LOG")) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// SetLevel overrides the level picked up from the environment.
func SetLevel(l Level) { current = l }

func Debugf(format string, v ...interface{}) {
	if current <= LevelDebug {
		log.Printf("[debug] "+format, v...)
	}
}

func Infof(format string, v ...interface{}) {
	if current <= LevelInfo {
		log.Printf(format, v...)
	}
}

func Warnf(format string, v ...interface{}) {
	if current <= LevelWarn {
		log.Printf("[warn] "+format, v...)
	}
}

func Errorf(format string, v ...interface{}) {
	if current <= LevelError {
		log.Printf("[error] "+format, v...)
	}
}
