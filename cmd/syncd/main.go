// Команда syncd — демон синхронизации Telegram-аккаунтов: держит MTProto-сессии
// всех аккаунтов реестра, зеркалит сообщения в локальный SQLite и ведёт очередь
// джоб истории. Управление — через pid-файл, сигналы и общие базы; сетевых
// сокетов демон не открывает.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"telegram-syncd/internal/app"
	"telegram-syncd/internal/infra/config"
	"telegram-syncd/internal/infra/logger"
)

func main() {
	// envPath определяет расположение .env с учётными данными API и настройками.
	envPath := flag.String("env", ".env", "path to .env file")
	flag.Parse()

	if err := config.Load(*envPath); err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	logger.Init(config.Env().LogLevel)
	if path := config.Env().LogFile; path != "" {
		logger.SetFile(path)
	}
	for _, msg := range config.Warnings() {
		logger.Warn(msg)
	}

	// Контекст с обработкой системных сигналов: terminate и interrupt оба
	// запускают graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	code := app.Run(ctx, config.Env())
	stop()
	os.Exit(code)
}
