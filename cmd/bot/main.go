package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ivt301/groupbot/internal/config"
	"github.com/ivt301/groupbot/pkg/bot"
	"github.com/ivt301/groupbot/pkg/clients/genclient"
	"github.com/ivt301/groupbot/pkg/clients/telegramclient"
	"github.com/ivt301/groupbot/pkg/core/attendance"
	"github.com/ivt301/groupbot/pkg/core/birthday"
	"github.com/ivt301/groupbot/pkg/core/digest"
	"github.com/ivt301/groupbot/pkg/core/greeting"
	"github.com/ivt301/groupbot/pkg/core/notifier"
	"github.com/ivt301/groupbot/pkg/core/presence"
	"github.com/ivt301/groupbot/pkg/schedule"
	"github.com/ivt301/groupbot/pkg/store"
	"github.com/ivt301/groupbot/pkg/utils/logging"
)

// App holds the application dependencies
type App struct {
	cfg      *config.Config
	feed     *schedule.Feed
	members  *store.MemberStore
	schedule *store.ScheduleStore
	homework *store.HomeworkStore
	logger   *zap.Logger
	ctx      context.Context
}

var (
	env     string
	cfgPath string
	app     *App
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "groupbot",
		Short: "Telegram bot for the study group chat",
		Long:  `A Telegram bot that tracks the group schedule, notifies about lessons, collects attendance requests, and manages homework and member roles.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initApp()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if app != nil && app.logger != nil {
				app.logger.Sync()
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&env, "env", "e", "prod", "Environment (test, prod)")
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "Path to the config file")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(checkScheduleCmd())
	rootCmd.AddCommand(listMembersCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// initApp sets up logger, config, feed, and stores
func initApp() error {
	var err error
	app = &App{
		ctx: context.Background(),
	}

	app.logger, err = logging.InitLogger(env)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	app.logger.Info("Starting application", zap.String("environment", env))

	app.logger.Info("Loading configuration")
	if cfgPath != "" {
		app.cfg, err = config.LoadFromPath(cfgPath)
	} else {
		app.cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	app.logger.Debug("Configuration loaded successfully")

	loc := app.cfg.Location()
	app.feed = schedule.NewFeed(app.cfg.ScheduleFeedURL, loc, app.logger)

	app.logger.Info("Opening data stores", zap.String("data_dir", app.cfg.DataDir))
	app.members, err = store.NewMemberStore(app.cfg.DataDir, app.logger)
	if err != nil {
		return fmt.Errorf("failed to open member store: %w", err)
	}
	app.schedule, err = store.NewScheduleStore(app.cfg.DataDir, app.logger)
	if err != nil {
		return fmt.Errorf("failed to open schedule store: %w", err)
	}
	app.homework, err = store.NewHomeworkStore(app.cfg.DataDir, loc, app.logger)
	if err != nil {
		return fmt.Errorf("failed to open homework store: %w", err)
	}
	app.logger.Info("Data stores ready")

	return nil
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the bot: update loop plus all background loops",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(app.ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			loc := app.cfg.Location()

			tg, err := telegramclient.NewClient(app.cfg.BotToken, app.logger)
			if err != nil {
				return fmt.Errorf("failed to create telegram client: %w", err)
			}
			app.logger.Info("Telegram client ready", zap.String("username", tg.Username()))

			checker := presence.NewChecker(presence.Options{
				Members:     app.members,
				Messenger:   tg,
				GroupChatID: app.cfg.NotificationChatID,
				Logger:      app.logger,
			})
			att := attendance.NewService(app.schedule, app.members, tg, app.cfg.NotificationChatID, app.logger)

			lessons := notifier.New(notifier.Options{
				Source:        app.feed,
				Store:         app.schedule,
				Messenger:     tg,
				Presence:      checker,
				ChatID:        app.cfg.NotificationChatID,
				Location:      loc,
				Interval:      app.cfg.CheckInterval(),
				NotifyMinutes: app.cfg.NotifyMinutes(),
				TestMode:      app.cfg.TestMode,
				Logger:        app.logger,
			})

			var generator greeting.Generator
			if app.cfg.GreetingAPIURL != "" {
				generator = genclient.NewClient(app.cfg.GreetingAPIURL, app.cfg.GreetingAPIKey, app.logger)
			}
			greeter := greeting.NewPoster(greeting.Options{
				Source:    app.feed,
				Messenger: tg,
				Generator: generator,
				ChatID:    app.cfg.NotificationChatID,
				MorningAt: app.cfg.MorningGreeting,
				EveningAt: app.cfg.EveningGreeting,
				PhotoPath: app.cfg.GreetingPhoto,
				Location:  loc,
				Logger:    app.logger,
			})

			birthdays := birthday.NewNotifier(app.members, tg, loc, app.logger)
			digests := digest.NewSender(app.homework, app.members, tg, loc, app.logger)

			var testClock bot.TestClock
			if app.cfg.TestMode {
				testClock = lessons
			}
			b := bot.New(bot.Options{
				Telegram:   tg,
				Source:     app.feed,
				Members:    app.members,
				Schedule:   app.schedule,
				Homework:   app.homework,
				Attendance: att,
				Presence:   checker,
				TestClock:  testClock,
				AdminID:    app.cfg.AdminID,
				GroupChat:  app.cfg.NotificationChatID,
				Location:   loc,
				Logger:     app.logger,
			})

			go lessons.Run(ctx)
			go greeter.Run(ctx)
			go birthdays.Run(ctx)
			go digests.Run(ctx)

			b.Run(ctx, tg.Updates())
			tg.StopUpdates()

			app.logger.Info("Shutdown complete")
			return nil
		},
	}
}

func checkScheduleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "checkSchedule",
		Short: "Fetch the schedule feed and print this week's lessons",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app.logger.Info("checkSchedule command", zap.String("feed_url", app.cfg.ScheduleFeedURL))

			lessons, err := app.feed.Fetch(app.ctx)
			if err != nil {
				return fmt.Errorf("failed to fetch schedule: %w", err)
			}

			now := time.Now().In(app.cfg.Location())
			week := schedule.WeekLessons(lessons, schedule.WeekStart(now))
			app.logger.Info("Schedule fetched",
				zap.Int("total_lessons", len(lessons)),
				zap.Int("this_week", len(week)))

			fmt.Printf("\nAcademic week %d, %d lessons total\n\n", schedule.AcademicWeekNumber(now), len(lessons))
			for _, l := range week {
				fmt.Printf("%s  %s - %s  %-40s %s\n",
					l.Start.Format("Mon 02.01"),
					l.Start.Format("15:04"),
					l.End.Format("15:04"),
					l.Title,
					l.Location)
			}
			return nil
		},
	}
}

func listMembersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "listMembers",
		Short: "List registered members and their roles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			members := app.members.Members()
			app.logger.Info("listMembers command", zap.Int("count", len(members)))

			fmt.Printf("\nFound %d members:\n\n", len(members))
			for _, m := range members {
				username := ""
				if m.Username != "" {
					username = " @" + m.Username
				}
				fmt.Printf("- %s (%d)%s - %s - born %s\n",
					m.FullName, m.UserID, username, m.Role, m.BirthDate)
			}
			return nil
		},
	}
}
