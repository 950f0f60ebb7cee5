package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gorm.io/gorm"

	"workflow-engine-service/internal/workflow-manager/config"
	wfDB "workflow-engine-service/internal/workflow-manager/db"
	wmKafka "workflow-engine-service/internal/workflow-manager/kafka"
	"workflow-engine-service/internal/workflow-manager/services"
	gorm_db "workflow-engine-service/pkg/db"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "workflow-manager",
	Short: "Workflow template and recurrence engine",
	Long: `workflow-manager turns templates into work items and tasks, regenerates them on
recurrence schedules, enforces finish-to-start task dependencies and runs automator rules.`,
	SilenceUsage: true,
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "optional YAML config file")
	rootCmd.AddCommand(serveCmd(), recurCmd(), migrateCmd(), templatesCmd())
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.New(), configFile)
	if err != nil {
		return nil, err
	}
	hlog.SetOutput(os.Stdout)
	hlog.SetLevel(parseLogLevel(cfg.LogLevel))
	return cfg, nil
}

func parseLogLevel(level string) hlog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return hlog.LevelDebug
	case "warn":
		return hlog.LevelWarn
	case "error":
		return hlog.LevelError
	default:
		return hlog.LevelInfo
	}
}

// engine is the fully wired service graph shared by every command.
type engine struct {
	DB        *gorm.DB
	Producer  services.KafkaProducerInterface
	Store     *services.TemplateStore
	Scheduler *services.SchedulerService
	Workflow  *services.WorkflowService
}

func newEngine(ctx context.Context, cfg *config.Config) (*engine, error) {
	gormDB, err := gorm_db.NewGormDB(gorm_db.Options{Type: cfg.DBType, DSN: cfg.DBDSN, LogLevel: cfg.DBLogLevel})
	if err != nil {
		return nil, err
	}
	if err := gorm_db.AutoMigrate(gormDB, wfDB.AllModels()...); err != nil {
		return nil, err
	}

	e := &engine{DB: gormDB}
	sink := services.MultiActivitySink{&services.GormActivitySink{DB: gormDB}}
	if cfg.KafkaEnabled {
		e.Producer = wmKafka.NewKafkaProducer(cfg.KafkaBrokers, cfg.ActivityTopic)
		sink = append(sink, &services.KafkaActivitySink{Producer: e.Producer})
	}

	catalog := &services.GormStatusCatalog{DB: gormDB}
	roles := &services.GormRoleResolver{DB: gormDB}
	clients := &services.GormClientRegistry{DB: gormDB}

	inst := services.NewInstantiationService(gormDB, roles, clients, catalog, sink)
	e.Scheduler, err = services.NewSchedulerService(ctx, gormDB, inst, cfg.SchedulerCron, cfg.MaxCatchUp)
	if err != nil {
		return nil, err
	}
	e.Workflow = services.NewWorkflowService(gormDB, catalog, sink, inst, e.Scheduler,
		services.NewDependencyResolver(gormDB, catalog), services.NewAutomatorEngine(roles))
	e.Workflow.MaxCascadeEvents = cfg.MaxCascadeEvents
	e.Store = services.NewTemplateStore(gormDB)
	return e, nil
}

func (e *engine) Close() {
	if e.Producer != nil {
		if err := e.Producer.Close(); err != nil {
			hlog.Errorf("Kafka producer close error: %v", err)
		}
	}
	sqlDB, err := e.DB.DB()
	if err != nil {
		hlog.Errorf("Database handle error: %v", err)
		return
	}
	if err := sqlDB.Close(); err != nil {
		hlog.Errorf("Database close error: %v", err)
	}
}
