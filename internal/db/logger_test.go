package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newObservedGORMLogger(level gormlogger.LogLevel) (*zapGORMLogger, *observer.ObservedLogs) {
	core, observed := observer.New(zapcore.DebugLevel)
	l := newZapGORMLogger(zap.New(core), level)
	return l.(*zapGORMLogger), observed
}

func TestZapGORMLogger_DefaultsToWarnWhenZero(t *testing.T) {
	l, _ := newObservedGORMLogger(0)
	if l.level != gormlogger.Warn {
		t.Errorf("level = %v, want Warn", l.level)
	}
}

func TestZapGORMLogger_InfoRespectsLevel(t *testing.T) {
	l, observed := newObservedGORMLogger(gormlogger.Warn)
	l.Info(context.Background(), "hello %s", "world")

	if observed.Len() != 0 {
		t.Errorf("expected Info() to be suppressed at Warn level, got %d entries", observed.Len())
	}

	l, observed = newObservedGORMLogger(gormlogger.Info)
	l.Info(context.Background(), "hello %s", "world")
	if observed.Len() != 1 {
		t.Fatalf("expected 1 log entry, got %d", observed.Len())
	}
	if observed.All()[0].Message != "hello world" {
		t.Errorf("message = %q, want %q", observed.All()[0].Message, "hello world")
	}
}

func TestZapGORMLogger_LogMode(t *testing.T) {
	l, _ := newObservedGORMLogger(gormlogger.Silent)
	dup := l.LogMode(gormlogger.Info).(*zapGORMLogger)

	if dup.level != gormlogger.Info {
		t.Errorf("LogMode() level = %v, want Info", dup.level)
	}
	if l.level != gormlogger.Silent {
		t.Error("LogMode() should not mutate the receiver")
	}
}

func TestZapGORMLogger_Trace_RecordNotFoundSilenced(t *testing.T) {
	l, observed := newObservedGORMLogger(gormlogger.Info)

	l.Trace(context.Background(), time.Now(), func() (string, int64) {
		return "SELECT 1", 0
	}, gorm.ErrRecordNotFound)

	for _, entry := range observed.All() {
		if entry.Level == zapcore.ErrorLevel {
			t.Errorf("record-not-found should not be logged as an error, got %v", entry)
		}
	}
}

func TestZapGORMLogger_Trace_QueryErrorLogged(t *testing.T) {
	l, observed := newObservedGORMLogger(gormlogger.Error)

	l.Trace(context.Background(), time.Now(), func() (string, int64) {
		return "SELECT 1", 0
	}, errors.New("connection reset"))

	if observed.FilterLevelExact(zapcore.ErrorLevel).Len() != 1 {
		t.Errorf("expected a single error-level log entry, got %d", observed.Len())
	}
}

func TestZapGORMLogger_Trace_SlowQueryWarns(t *testing.T) {
	l, observed := newObservedGORMLogger(gormlogger.Error)
	l.slowThreshold = time.Millisecond

	l.Trace(context.Background(), time.Now().Add(-10*time.Millisecond), func() (string, int64) {
		return "SELECT * FROM versions", 5
	}, nil)

	if observed.FilterLevelExact(zapcore.WarnLevel).Len() != 1 {
		t.Errorf("expected a slow-query warning, got %d entries", observed.Len())
	}
}

func TestZapGORMLogger_Trace_SilentLevelSuppressesAll(t *testing.T) {
	l, observed := newObservedGORMLogger(gormlogger.Silent)

	l.Trace(context.Background(), time.Now(), func() (string, int64) {
		return "SELECT 1", 1
	}, nil)

	if observed.Len() != 0 {
		t.Errorf("Silent level should suppress all trace output, got %d entries", observed.Len())
	}
}
