package observability

import (
	"os"

	"github.com/danmuck/hostlink/internal/logging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger installs the runtime console logger tagged with app and returns
// it. HOSTLINK_LOG_* overrides still apply.
func InitLogger(app string) zerolog.Logger {
	logging.ConfigureRuntime()
	logger := log.Logger.With().Str("app", app).Int("pid", os.Getpid()).Logger()
	log.Logger = logger
	return logger
}
