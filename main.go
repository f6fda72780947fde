package main

import (
	"context"
	"fmt"
	"github.com/charmbracelet/log"
	"go.uber.org/fx"
	"io"
	"net/http"
	"os"
	"waxwing/dal"
	"waxwing/logic"
	"waxwing/server"
	"waxwing/shared"
)

type initErrorHandler struct {
}

func (*initErrorHandler) HandleError(err error) {
	fmt.Fprintf(os.Stderr, "Failed to initialize dependency injection\n%v", err)
}

var logger *log.Logger

func main() {

	cfg := shared.LoadConfig()
	provideConfig := func() *shared.Config {
		return cfg
	}

	logger = initLogger(cfg)
	provideLogger := func() shared.ILogger {
		return logger
	}

	app := fx.New(
		fx.NopLogger,
		fx.Provide(
			provideConfig,
			provideLogger,
			server.NewHTTPServer,
			fx.Annotate(server.NewMux, fx.ParamTags(`group:"handler_group"`)),
			shared.NewUserAgent,
			logic.NewKeyStore,
			logic.NewMetrics,
			logic.NewRemoteFetcher,
			logic.NewActorCache,
			logic.NewObjectCache,
			logic.NewDirectory,
			logic.NewCollectionPaginator,
			logic.NewActivitySender,
			logic.NewHttpSigChecker,
			logic.NewPushQueue,
			logic.NewNotifier,
			logic.NewInbox,
			dal.NewRepo,
			asHandlerGroupDef(server.NewApubHandlerGroup),
			asHandlerGroupDef(server.NewApiHandlerGroup),
			asHandlerGroupDef(server.NewMetricsHandlerGroup),
		),
		fx.Invoke(
			registerHooks,
			func(repo dal.IRepo) { repo.InitUpdateDb() },
			ensureAdmin,
			func(*http.Server) {},
		),
		fx.ErrorHook(&initErrorHandler{}),
	)
	app.Run()
}

func asHandlerGroupDef(f any) any {
	return fx.Annotate(
		f,
		fx.As(new(server.IHandlerGroup)),
		fx.ResultTags(`group:"handler_group"`),
	)
}

func initLogger(cfg *shared.Config) *log.Logger {

	logFile, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0666)
	if err != nil {
		msg := fmt.Sprintf("Failed to open log file '%v': %v", cfg.LogFile, err)
		log.Fatal(msg)
	}

	logger := log.New(io.MultiWriter(os.Stdout, logFile))
	logger.SetReportTimestamp(true)
	logger.SetTimeFormat("2006-01-02 15:04:05.000")
	logger.SetOutput(io.MultiWriter(os.Stdout, logFile))
	switch cfg.LogLevel {
	case "Debug":
		logger.SetLevel(log.DebugLevel)
	case "Info":
		logger.SetLevel(log.InfoLevel)
	case "Warn":
		logger.SetLevel(log.WarnLevel)
	case "Error":
		logger.SetLevel(log.ErrorLevel)
	default:
		logger.SetLevel(log.ErrorLevel)
	}
	logger.SetReportCaller(true)

	return logger
}

// ensureAdmin creates the configured admin account on first startup.
func ensureAdmin(cfg *shared.Config, repo dal.IRepo, actors logic.IActorCache) {
	if cfg.Admin == nil {
		return
	}
	existing, err := repo.GetActorByHandle(cfg.Admin.Handle)
	if err != nil {
		logger.Errorf("Failed to look up admin account: %v", err)
		panic(err)
	}
	if existing != nil {
		return
	}
	_, reqProblem, err := actors.CreateLocal(cfg.Admin.Handle, cfg.Admin.Name, "", true)
	if err != nil {
		logger.Errorf("Failed to create admin account: %v", err)
		panic(err)
	}
	if reqProblem != "" {
		logger.Errorf("Invalid admin account in config: %s", reqProblem)
		panic(reqProblem)
	}
	logger.Printf("Created admin account '%s'", cfg.Admin.Handle)
}

func registerHooks(lc fx.Lifecycle, metrics logic.IMetrics, repo dal.IRepo) {
	lc.Append(
		fx.Hook{
			OnStart: func(context.Context) error {
				logger.Printf("Application starting up")
				metrics.ServiceStarted()
				if count, err := repo.GetPeerCount(); err == nil {
					metrics.TotalPeers(int(count))
				}
				return nil
			},
			OnStop: func(context.Context) error {
				logger.Printf("Application shutting down")
				return nil
			},
		},
	)
}
