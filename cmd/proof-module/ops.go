package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/bigkaa/goartstore/proof-module/internal/domain/model"
	"github.com/bigkaa/goartstore/proof-module/internal/service"
)

func commandMigrate() *cobra.Command {
	return &cobra.Command{
		Use:                   "migrate",
		Short:                 "Применить миграции хранилища и выйти",
		Args:                  cobra.NoArgs,
		DisableFlagsInUseLine: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStorage(cmd.Context(), cfg, true, logger)
			if err != nil {
				return err
			}
			store.Close()
			fmt.Fprintln(cmd.OutOrStdout(), "Миграции применены")
			return nil
		},
	}
}

func commandSweepJTI() *cobra.Command {
	return &cobra.Command{
		Use:                   "sweep-jti",
		Short:                 "Однократно удалить истёкшие jti",
		Args:                  cobra.NoArgs,
		DisableFlagsInUseLine: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStorage(cmd.Context(), cfg, false, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			guard := service.NewReplayGuard(store.jtis, logger)
			res := service.NewJTISweeper(guard, cfg.JTISweepInterval, logger).RunOnce(cmd.Context())
			if res.Err != nil {
				return res.Err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Удалено записей: %d (%s)\n", res.Deleted, res.Duration)
			return nil
		},
	}
}

func commandLists() *cobra.Command {
	var limit, offset int
	cc := &cobra.Command{
		Use:   "lists",
		Short: "Показать списки статусов",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStorage(cmd.Context(), cfg, false, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			svc := service.NewStatusListService(store.lists, nil, cfg.StatusListSize, cfg.StatusListBaseURL, cfg.IssuerID, logger)
			lists, err := svc.List(cmd.Context(), limit, offset)
			if err != nil {
				return err
			}
			return renderLists(cmd.OutOrStdout(), svc, lists)
		},
	}
	cc.Flags().IntVar(&limit, "limit", 50, "Количество записей")
	cc.Flags().IntVar(&offset, "offset", 0, "Смещение")
	return cc
}

// renderLists печатает таблицу списков с количеством установленных битов.
func renderLists(w io.Writer, svc *service.StatusListService, lists []*model.StatusList) error {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"url", "purpose", "size", "set", "etag", "updated"})
	for _, sl := range lists {
		set, err := svc.CountSet(sl)
		if err != nil {
			return fmt.Errorf("список %s: %w", sl.URL, err)
		}
		tw.AppendRow(table.Row{sl.URL, sl.Purpose, sl.Size, set, sl.ETag, sl.UpdatedAt.Format("2006-01-02 15:04:05")})
	}
	tw.AppendFooter(table.Row{"", "", "", "", "всего", len(lists)})
	tw.Render()
	return nil
}

func commandCheckBit() *cobra.Command {
	return &cobra.Command{
		Use:                   "check-bit <purpose> <list-id> <index>",
		Short:                 "Показать значение бита статуса",
		Args:                  cobra.ExactArgs(3),
		DisableFlagsInUseLine: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			purpose, err := model.ParsePurpose(args[0])
			if err != nil {
				return err
			}
			index, err := strconv.Atoi(args[2])
			if err != nil {
				return fmt.Errorf("некорректный индекс %q", args[2])
			}

			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStorage(cmd.Context(), cfg, false, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			svc := service.NewStatusListService(store.lists, nil, cfg.StatusListSize, cfg.StatusListBaseURL, cfg.IssuerID, logger)
			url := svc.ListURL(purpose, args[1])
			set, err := svc.GetBit(cmd.Context(), url, index)
			if err != nil {
				return fmt.Errorf("%s[%d]: %w", url, index, err)
			}

			tw := table.NewWriter()
			tw.SetOutputMirror(cmd.OutOrStdout())
			tw.AppendRows([]table.Row{
				{"url", url},
				{"index", index},
				{"set", set},
			})
			tw.Render()
			return nil
		},
	}
}
