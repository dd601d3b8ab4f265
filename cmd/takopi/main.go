// Command takopi bridges a chat transport to local coding-agent engine
// subprocesses. Grounded on the teacher's cmd/root.go (cobra root command,
// persistent flags, resolveConfigPath) and cmd/gateway.go (slog setup,
// signal-driven graceful shutdown).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/p0s/takopi/internal/commands"
	"github.com/p0s/takopi/internal/config"
	"github.com/p0s/takopi/internal/engine"
	"github.com/p0s/takopi/internal/mainloop"
	"github.com/p0s/takopi/internal/model"
	"github.com/p0s/takopi/internal/orchestrator"
	"github.com/p0s/takopi/internal/progress"
	"github.com/p0s/takopi/internal/resolver"
	"github.com/p0s/takopi/internal/scheduler"
	"github.com/p0s/takopi/internal/topicstore"
	"github.com/p0s/takopi/internal/transport"
	"github.com/p0s/takopi/internal/transport/telegram"
)

var (
	cfgFile       string
	debug         bool
	transportFlag string
	onboardFlag   bool
	finalNotify   bool
	noFinalNotify bool
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeFor maps a top-level error to spec.md §6's CLI exit codes: 0
// success, 1 config error, 130 interrupted.
func exitCodeFor(err error) int {
	if err == context.Canceled {
		return 130
	}
	return 1
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "takopi",
		Short: "Chat-driven orchestrator for local coding-agent engines",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: takopi.toml or $TAKOPI_CONFIG)")
	cmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	cmd.Flags().StringVar(&transportFlag, "transport", "telegram", "transport to serve")
	cmd.Flags().BoolVar(&finalNotify, "final-notify", false, "send the final answer as a new reply instead of editing the progress message")
	cmd.Flags().BoolVar(&noFinalNotify, "no-final-notify", false, "disable final-notify even if the config enables it")
	cmd.Flags().BoolVar(&onboardFlag, "onboard", false, "print where to edit the config before serving (no interactive setup wizard is built in)")

	cmd.AddCommand(initCmd())
	cmd.AddCommand(transportsCmd())

	return cmd
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("TAKOPI_CONFIG"); v != "" {
		return v
	}
	return "takopi.toml"
}

func setupLogging() {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// runServe loads config, wires every collaborator, and serves until
// interrupted.
func runServe(parent context.Context) error {
	setupLogging()

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	release, err := config.AcquireLock(cfgPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	defer release()

	stop, err := config.Watch(cfgPath, cfg, func(format string, args ...any) {
		slog.Info(fmt.Sprintf(format, args...))
	})
	if err != nil {
		slog.Warn("config: hot reload disabled", "error", err)
	} else {
		defer stop()
	}

	if onboardFlag {
		fmt.Println("the --onboard wizard is not implemented; edit", cfgPath, "directly")
	}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	engines, err := buildEngineRegistry(cfg)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	tr, err := buildTransport(transportFlag, cfg)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	storePath := cfgPath + ".topics.json"
	store, err := topicstore.Open(storePath)
	if err != nil {
		return fmt.Errorf("config: opening topic store: %w", err)
	}

	res := buildResolver(cfg, engines)
	sched := scheduler.New(ctx, 32)

	effectiveFinalNotify := cfg.FinalNotify || finalNotify
	if noFinalNotify {
		effectiveFinalNotify = false
	}

	orch := orchestrator.New(tr, progress.Formatter{ShowTitle: true}, cfg.EditsPerSecond, cfg.MaxActionLines, effectiveFinalNotify)

	engineIDs := make([]string, 0, len(cfg.Engines))
	for _, e := range cfg.Engines {
		engineIDs = append(engineIDs, e.ID)
	}
	projectAliases := make([]string, 0, len(cfg.Projects))
	projectPaths := make(map[string]string, len(cfg.Projects))
	for _, p := range cfg.Projects {
		projectAliases = append(projectAliases, p.Alias)
		projectPaths[p.Alias] = p.Path
	}
	cmdReg := commands.NewRegistry(engineIDs, projectAliases)

	loop := mainloop.New(mainloop.Deps{
		Transport:    tr,
		Resolver:     res,
		Engines:      engines,
		Scheduler:    sched,
		Store:        store,
		Commands:     cmdReg,
		Orch:         orch,
		Projects:     projectPaths,
		TopicChatIDs: cfg.Telegram.ForumChatIDs,
	})

	if drainer, ok := tr.(transport.BacklogDrainer); ok {
		if n, err := drainer.DrainBacklog(ctx); err != nil {
			slog.Warn("transport: backlog drain failed", "error", err)
		} else if n > 0 {
			slog.Info("transport.backlog_drained", "count", n)
		}
	}

	if validator, ok := tr.(transport.TopicsValidator); ok {
		for _, chatID := range cfg.Telegram.ForumChatIDs {
			if err := validator.ValidateTopicsSetup(ctx, chatID, true); err != nil {
				slog.Warn("transport: topics validation failed", "chat_id", chatID, "error", err)
			}
		}
	}

	if err := tr.Start(ctx); err != nil {
		return fmt.Errorf("transport: %w", err)
	}
	defer tr.Stop(context.Background())

	if err := loop.SyncMenu(ctx); err != nil {
		slog.Warn("transport: menu sync failed", "error", err)
	}

	slog.Info("takopi.serving", "transport", transportFlag, "engines", engineIDs)
	return loop.Run(ctx)
}

func buildEngineRegistry(cfg *config.Config) (*engine.Registry, error) {
	if len(cfg.Engines) == 0 {
		return nil, fmt.Errorf("no engines configured")
	}
	runners := make([]engine.Runner, 0, len(cfg.Engines))
	for _, e := range cfg.Engines {
		runners = append(runners, engine.NewProcessRunner(engine.ProcessConfig{
			ID:         model.EngineID(e.ID),
			Command:    e.Command,
			Args:       e.Args,
			ResumeFlag: "--resume",
		}))
	}
	return engine.NewRegistry(model.EngineID(cfg.DefaultEngine), runners...), nil
}

func buildResolver(cfg *config.Config, engines *engine.Registry) *resolver.TransportRuntime {
	engineIDs := engines.EngineIDs()
	projects := make([]resolver.ProjectInfo, 0, len(cfg.Projects))
	for _, p := range cfg.Projects {
		projects = append(projects, resolver.ProjectInfo{
			Alias:         p.Alias,
			DefaultEngine: model.EngineID(p.DefaultEngine),
		})
	}
	chatDefaults := make(map[int64]string, len(cfg.ChatDefaults))
	for chatIDStr, alias := range cfg.ChatDefaults {
		var chatID int64
		if _, err := fmt.Sscanf(chatIDStr, "%d", &chatID); err == nil {
			chatDefaults[chatID] = alias
		}
	}
	return resolver.New(resolver.Config{
		EngineIDs:      engineIDs,
		Projects:       projects,
		DefaultEngine:  model.EngineID(cfg.DefaultEngine),
		DefaultProject: cfg.DefaultProject,
		ChatDefaults:   chatDefaults,
		ResumeMatcher:  engineResumeMatcher{engines},
	})
}

// engineResumeMatcher adapts engine.Registry to resolver.ResumeLineMatcher.
type engineResumeMatcher struct {
	engines *engine.Registry
}

func (m engineResumeMatcher) MatchResumeLine(text string) (model.ResumeToken, bool) {
	for _, line := range strings.Split(text, "\n") {
		if engineID, ok := m.engines.IsResumeLine(line); ok {
			_, value, found := strings.Cut(line, " ")
			if !found {
				value = line
			}
			return model.ResumeToken{Value: value, Engine: engineID}, true
		}
	}
	return model.ResumeToken{}, false
}

func buildTransport(name string, cfg *config.Config) (transport.Transport, error) {
	switch name {
	case "telegram":
		allowed := make(map[string]bool, len(cfg.Telegram.AllowedUserIDs))
		for _, id := range cfg.Telegram.AllowedUserIDs {
			allowed[id] = true
		}
		return telegram.New(telegram.Config{
			Token:          cfg.Telegram.Token,
			Proxy:          cfg.Telegram.Proxy,
			AllowedUserIDs: allowed,
		})
	default:
		return nil, fmt.Errorf("unknown transport %q", name)
	}
}

func initCmd() *cobra.Command {
	var asDefault bool
	cmd := &cobra.Command{
		Use:   "init [alias]",
		Short: "Register a project alias in the config file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(args[0], asDefault)
		},
	}
	cmd.Flags().BoolVar(&asDefault, "default", false, "make this project the default")
	return cmd
}

func runInit(alias string, asDefault bool) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	for _, p := range cfg.Projects {
		if p.Alias == alias {
			return fmt.Errorf("init: project %q is already registered at %s", alias, p.Path)
		}
	}
	cfg.Projects = append(cfg.Projects, config.ProjectConfig{Alias: alias, Path: cwd})
	if asDefault {
		cfg.DefaultProject = alias
	}
	if err := config.Save(cfgPath, cfg); err != nil {
		return err
	}
	fmt.Printf("registered project %q -> %s in %s\n", alias, cwd, cfgPath)
	return nil
}

func transportsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "transports",
		Short: "List supported transports",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("telegram")
			return nil
		},
	}
}
