// Package main — точка входа шлюза.
// Парсит флаги, загружает конфигурацию, настраивает логирование и организует
// корректное завершение по системным сигналам (Ctrl+C/SIGTERM). Главная
// задача: собрать Platform и отдать ей управление.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mtproto-gateway/internal/app"
	"mtproto-gateway/internal/infra/config"
	"mtproto-gateway/internal/infra/logger"
)

func main() {
	log.SetFlags(0)
	log.SetPrefix(time.Now().Format("2006-01-02 15:04:05 "))

	// envPath определяет расположение .env с секретами и общими настройками.
	envPath := flag.String("env", "assets/.env", "path to .env file")
	flag.Parse()

	if err := config.Load(*envPath); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger.Init(config.Env().LogLevel, config.Env().LogFile)
	for _, msg := range config.Warnings() {
		logger.Warn(msg)
	}

	// Контекст с обработкой системных сигналов. stop() обязателен к вызову.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	platform := app.New()
	if err := platform.Init(ctx); err != nil {
		stop()
		log.Fatalf("platform init failed: %v", err)
	}

	if err := platform.Run(ctx); err != nil {
		stop()
		log.Fatalf("platform run failed: %v", err)
	}

	stop()
	log.Println("Graceful shutdown complete")
}
