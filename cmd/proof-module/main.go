// Точка входа Proof Module — сервис статусов верифицируемых учётных данных
// и проверки доказательств.
// Команда по умолчанию (serve) загружает конфигурацию, подключается к хранилищу,
// применяет миграции, создаёт сервисный слой, запускает фоновые задачи
// (очистка jti, topologymetrics) и HTTP-сервер с graceful shutdown.
// Остальные команды — операционные: миграции, разовая очистка jti,
// просмотр списков статусов и отдельных битов.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bigkaa/goartstore/proof-module/internal/config"
)

const (
	name        = "proof-module"
	description = "Сервис списков статусов (Bitstring Status List) и проверки доказательств."
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		slog.Error("Ошибка выполнения команды", slog.String("error", err.Error()))
		stop()
		os.Exit(1)
	}
}

// newRootCmd собирает дерево команд. Без подкоманды выполняется serve.
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           name,
		Short:         description,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}
	root.CompletionOptions.HiddenDefaultCmd = true

	root.AddCommand(
		commandServe(),
		commandMigrate(),
		commandSweepJTI(),
		commandLists(),
		commandCheckBit(),
		commandVersion(),
	)
	return root
}

// loadConfig загружает конфигурацию и настраивает логгер.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("загрузка конфигурации: %w", err)
	}
	return cfg, config.SetupLogger(cfg), nil
}

func commandVersion() *cobra.Command {
	return &cobra.Command{
		Use:                   "version",
		Short:                 "Показать версию",
		Args:                  cobra.NoArgs,
		DisableFlagsInUseLine: true,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", name, config.Version)
		},
	}
}
