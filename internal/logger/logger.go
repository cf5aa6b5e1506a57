package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger глобальный логгер сервиса
var Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()

// Init инициализирует глобальный логгер с указанным уровнем
func Init(level string) {
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	var output io.Writer = os.Stdout

	// В разработке читаемый вывод в консоль
	if os.Getenv("ENV") == "development" {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	Logger = zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Logger()

	Logger.Info().
		Str("level", logLevel.String()).
		Msg("logger initialized")
}

// WithComponent возвращает логгер с полем component
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}
