package log

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Config struct {
	Writer     io.Writer // diagnostics stream, usually os.Stderr since stdout carries the result
	File       string    // log out put file path, empty means no log file
	Level      int8      // debug -1 | info 0 (default) | warn 1 | error 2
	MaxAge     int       // days to keep rotated files, 0 keeps them all
	MaxSize    int       // megabytes per file
	MaxBackups int       // rotated files to keep
	Compress   bool      // gzip rotated files
	JsonFormat bool      // json instead of console encoding
}

var (
	Logger = zap.NewNop()
	Sugar  = Logger.Sugar()
)

// TxID tags log entries with a transaction id.
func TxID(id fmt.Stringer) zap.Field {
	return zap.Stringer("txid", id)
}

// Init builds a logger from config and installs it as Logger and Sugar.
func Init(config Config) error {
	l, err := New(config)
	if err != nil {
		return err
	}

	Logger = l
	Sugar = l.Sugar()

	return nil
}

func New(config Config) (*zap.Logger, error) {

	var wss []zapcore.WriteSyncer
	if len(config.File) > 0 {
		hook := lumberjack.Logger{
			Filename:   config.File,
			MaxSize:    config.MaxSize, // megabytes
			MaxAge:     config.MaxAge,
			MaxBackups: config.MaxBackups,
			LocalTime:  false,
			Compress:   config.Compress,
		}
		wss = append(wss, zapcore.AddSync(&hook))
	}

	if f, ok := config.Writer.(*os.File); ok {
		wss = append(wss, zapcore.Lock(f))
	} else if config.Writer != nil {
		wss = append(wss, zapcore.AddSync(config.Writer))
	}

	if len(wss) == 0 {
		return nil, errors.New("write syncer needed")
	}

	cfg := zapcore.EncoderConfig{
		TimeKey:        "T",
		LevelKey:       "L",
		NameKey:        "N",
		CallerKey:      "C",
		MessageKey:     "M",
		StacktraceKey:  "S",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
		EncodeName:     zapcore.FullNameEncoder,
	}

	var enc zapcore.Encoder
	if config.JsonFormat {
		enc = zapcore.NewJSONEncoder(cfg)
	} else {
		enc = zapcore.NewConsoleEncoder(cfg)
	}

	switch zapcore.Level(config.Level) {
	case zapcore.DebugLevel, zapcore.InfoLevel, zapcore.WarnLevel, zapcore.ErrorLevel:
	default:
		config.Level = int8(zapcore.InfoLevel)
	}

	return zap.New(zapcore.NewCore(enc, zapcore.NewMultiWriteSyncer(wss...), zapcore.Level(config.Level)), zap.AddCaller()), nil
}
