package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/rendis/dealflow/internal/automation"
	"github.com/rendis/dealflow/internal/engine"
	"github.com/rendis/dealflow/internal/expressions"
	"github.com/rendis/dealflow/internal/journal"
	"github.com/rendis/dealflow/internal/logging"
	"github.com/rendis/dealflow/internal/notify"
	"github.com/rendis/dealflow/internal/registry"
	"github.com/rendis/dealflow/internal/scheduler"
	"github.com/rendis/dealflow/internal/validation"
	"github.com/rendis/dealflow/pkg/schema"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		usage()
		return nil
	}

	cfg := loadConfig()
	logger := buildLogger(cfg)

	svc, jnl, err := buildService(cfg, logger)
	if err != nil {
		return err
	}
	defer jnl.Close()

	if err := loadTemplates(cfg.TemplatesDir, svc, logger); err != nil {
		return err
	}

	switch args[0] {
	case "templates":
		return listTemplates(svc)
	case "run":
		if len(args) < 3 {
			usage()
			return fmt.Errorf("run requires a template id and an opportunity file")
		}
		actor := "cli"
		if len(args) > 3 {
			actor = args[3]
		}
		return runExecution(svc, args[1], args[2], actor)
	case "schedule":
		if len(args) < 4 {
			usage()
			return fmt.Errorf("schedule requires a template id, an opportunity file and a cron expression")
		}
		actor := "scheduler"
		if len(args) > 4 {
			actor = args[4]
		}
		return runScheduled(svc, logger, args[1], args[2], args[3], actor)
	default:
		usage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  dealflow templates                                            list registered templates
  dealflow run <template-id> <opportunity.json> [actor]         run a workflow to completion
  dealflow schedule <template-id> <opportunity.json> <cron> [actor]   run a workflow on a cron schedule`)
}

func buildLogger(cfg Config) *slog.Logger {
	level, ok := parseLogLevel(cfg.LogLevel)
	if !ok {
		level = 0
	}
	inner := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.Level(level)})
	return slog.New(logging.NewCorrelationHandler(inner))
}

func buildService(cfg Config, logger *slog.Logger) (*engine.Service, journal.Journal, error) {
	var jnl journal.Journal
	if cfg.DBPath != "" {
		lj, err := journal.NewLibSQLJournal(cfg.DBPath)
		if err != nil {
			return nil, nil, err
		}
		jnl = lj
	} else {
		jnl = journal.NewMemoryJournal()
	}

	conditions, err := conditionEngine(cfg.ConditionEngine)
	if err != nil {
		jnl.Close()
		return nil, nil, err
	}

	hub := notify.NewMemoryHub()
	rules, err := automation.NewEngine(conditions, hub, jnl, nil, automation.NewHTTPInvoker(automation.HTTPInvokerConfig{}), logger)
	if err != nil {
		jnl.Close()
		return nil, nil, err
	}

	validator, err := validation.NewTemplateValidator()
	if err != nil {
		jnl.Close()
		return nil, nil, err
	}
	reg := registry.NewRegistry(validator)

	svc := engine.NewService(reg, jnl, hub, rules, engine.ServiceConfig{ApproverRole: cfg.ApproverRole}, logger)
	return svc, jnl, nil
}

// conditionEngine selects the automation rule condition engine. Returning a
// nil Engine lets automation.NewEngine apply its CEL default.
func conditionEngine(name string) (expressions.Engine, error) {
	switch name {
	case "", "cel":
		return nil, nil
	case "expr":
		return expressions.NewExprEngine(), nil
	default:
		return nil, fmt.Errorf("unknown condition engine %q (want cel or expr)", name)
	}
}

// loadTemplates registers every *.json file in dir. A missing dir is fine;
// an invalid template is not.
func loadTemplates(dir string, svc *engine.Service, logger *slog.Logger) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		var tpl schema.WorkflowTemplate
		if err := json.Unmarshal(data, &tpl); err != nil {
			return fmt.Errorf("parse template %s: %w", path, err)
		}
		if err := svc.Register(&tpl); err != nil {
			return fmt.Errorf("register template %s: %w", path, err)
		}
		logger.Info("template registered", slog.String("template_id", tpl.ID))
	}
	return nil
}

func listTemplates(svc *engine.Service) error {
	// Round-trip through the registry so output reflects registered state.
	out := json.NewEncoder(os.Stdout)
	out.SetIndent("", "  ")
	type row struct {
		ID    string `json:"id"`
		Name  string `json:"name"`
		Stage string `json:"stage"`
		Steps int    `json:"steps"`
	}
	var rows []row
	for _, tpl := range svc.Templates() {
		rows = append(rows, row{ID: tpl.ID, Name: tpl.Name, Stage: tpl.Stage, Steps: len(tpl.Steps)})
	}
	return out.Encode(rows)
}

func runExecution(svc *engine.Service, templateID, oppPath, actor string) error {
	data, err := os.ReadFile(oppPath)
	if err != nil {
		return err
	}
	var opp schema.Opportunity
	if err := json.Unmarshal(data, &opp); err != nil {
		return fmt.Errorf("parse opportunity %s: %w", oppPath, err)
	}

	ctx := context.Background()
	exec, err := svc.Start(ctx, templateID, &opp, actor)
	if err != nil {
		return err
	}

	done, err := svc.Done(exec.ID)
	if err != nil {
		return err
	}
	<-done

	final, err := svc.Get(exec.ID)
	if err != nil {
		return err
	}
	out := json.NewEncoder(os.Stdout)
	out.SetIndent("", "  ")
	return out.Encode(final)
}

// fileOpportunity serves the single opportunity loaded from the CLI
// argument to scheduled kickoffs.
type fileOpportunity struct {
	opp *schema.Opportunity
}

func (f *fileOpportunity) Opportunity(_ context.Context, id string) (*schema.Opportunity, error) {
	if f.opp == nil || f.opp.ID != id {
		return nil, fmt.Errorf("opportunity %q not loaded", id)
	}
	return f.opp, nil
}

// runScheduled registers a single cron job for the template/opportunity
// pair and runs the scheduler until interrupted.
func runScheduled(svc *engine.Service, logger *slog.Logger, templateID, oppPath, cronExpr, actor string) error {
	data, err := os.ReadFile(oppPath)
	if err != nil {
		return err
	}
	var opp schema.Opportunity
	if err := json.Unmarshal(data, &opp); err != nil {
		return fmt.Errorf("parse opportunity %s: %w", oppPath, err)
	}

	sched := scheduler.NewScheduler(svc, &fileOpportunity{opp: &opp}, logger)
	if err := sched.AddJob(&scheduler.Job{
		ID:             templateID + ":" + opp.ID,
		TemplateID:     templateID,
		OpportunityID:  opp.ID,
		Actor:          actor,
		CronExpression: cronExpr,
		Enabled:        true,
	}); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := sched.Start(ctx); err != nil {
		return err
	}
	logger.Info("scheduler running", slog.String("cron", cronExpr))
	<-ctx.Done()
	sched.Stop()
	return nil
}
