package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/stellarlinkco/prospector/internal/account"
	"github.com/stellarlinkco/prospector/internal/catalog"
	"github.com/stellarlinkco/prospector/internal/config"
	"github.com/stellarlinkco/prospector/internal/gateway"
	"github.com/stellarlinkco/prospector/internal/llm"
	"github.com/stellarlinkco/prospector/internal/logging"
	"github.com/stellarlinkco/prospector/internal/pipeline"
	"github.com/stellarlinkco/prospector/internal/prompt"
	"github.com/stellarlinkco/prospector/internal/ranking"
	"github.com/stellarlinkco/prospector/internal/rotation"
	"github.com/stellarlinkco/prospector/internal/server"
)

var errMissingKey = errors.New("API key not set. Run 'prospector onboard' or set PROSPECTOR_API_KEY / ANTHROPIC_API_KEY")

// Options carries the dependencies commands use, so tests can swap them.
type Options struct {
	Executor llm.Executor
	Stdout   io.Writer
	Now      func() time.Time
}

var rootCmd = &cobra.Command{
	Use:   "prospector",
	Short: "prospector - DRIVE account scoring and outreach worklist",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API, change feed and scheduled jobs",
	RunE:  runServe,
}

var worklistCmd = &cobra.Command{
	Use:   "worklist",
	Short: "Print the ranked worklist for a day",
	RunE:  runWorklist,
}

var scoreCmd = &cobra.Command{
	Use:   "score <company-id>",
	Short: "Score one account with the model",
	Args:  cobra.ExactArgs(1),
	RunE:  runScore,
}

var emailCmd = &cobra.Command{
	Use:   "email <company-id>",
	Short: "Draft a cold email for one account",
	Args:  cobra.ExactArgs(1),
	RunE:  runEmail,
}

var statusCmd = &cobra.Command{
	Use:   "status <company-id> <state>",
	Short: "Record an outreach status change",
	Args:  cobra.ExactArgs(2),
	RunE:  runStatus,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize config and a sample company list",
	RunE:  runOnboard,
}

var envCheckCmd = &cobra.Command{
	Use:   "env-check",
	Short: "Report whether a model API key is configured",
	RunE:  runEnvCheck,
}

var (
	dateFlag    string
	regionFlag  string
	sizeFlag    string
	stateFlag   string
	angleFlag   string
	personaFlag string
	painFlag    string
	actionFlag  string
	notesFlag   string
)

func init() {
	worklistCmd.Flags().StringVar(&dateFlag, "date", "", "Day to rank (YYYY-MM-DD), defaults to today")
	worklistCmd.Flags().StringVar(&regionFlag, "region", "", "Only this region (NAM, EMEA, APAC)")
	worklistCmd.Flags().StringVar(&sizeFlag, "size", "", "Only this size band (early, growth, mid-market, enterprise)")
	worklistCmd.Flags().StringVar(&stateFlag, "status", "", "Only accounts in this status")
	emailCmd.Flags().StringVar(&angleFlag, "angle", "", "Outreach angle, defaults to "+prompt.DefaultAngles[0])
	emailCmd.Flags().StringVar(&personaFlag, "persona", "", "Buyer persona to address")
	emailCmd.Flags().StringVar(&painFlag, "pain", "", "Pain signal to lead with")
	statusCmd.Flags().StringVar(&actionFlag, "action", "", "What was done")
	statusCmd.Flags().StringVar(&notesFlag, "notes", "", "Free-form notes")
	rootCmd.AddCommand(serveCmd, worklistCmd, scoreCmd, emailCmd, statusCmd, onboardCmd, envCheckCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func defaultOptions(cmd *cobra.Command) Options {
	return Options{Stdout: cmd.OutOrStdout()}
}

func (o Options) stdout() io.Writer {
	if o.Stdout == nil {
		return os.Stdout
	}
	return o.Stdout
}

func (o Options) now() time.Time {
	if o.Now == nil {
		return time.Now()
	}
	return o.Now()
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Provider.APIKey == "" {
		return errMissingKey
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	gw, err := gateway.NewWithOptions(cfg, gateway.Options{Logger: logger})
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}
	return gw.Run(context.Background())
}

// openGateway builds the gateway for one-shot commands; requireKey refuses
// to start without a model credential.
func openGateway(opts Options, requireKey bool) (*gateway.Gateway, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if requireKey && opts.Executor == nil && cfg.Provider.APIKey == "" {
		return nil, errMissingKey
	}
	cfg.Scheduler.Enabled = false
	cfg.Telegram.Enabled = false

	logger, err := logging.New("error", cfg.Log.Development)
	if err != nil {
		logger = zap.NewNop()
	}
	gw, err := gateway.NewWithOptions(cfg, gateway.Options{
		Executor: opts.Executor,
		Logger:   logger,
		Now:      opts.Now,
	})
	if err != nil {
		return nil, fmt.Errorf("create gateway: %w", err)
	}
	return gw, nil
}

func interruptContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt)
}

func runWorklist(cmd *cobra.Command, args []string) error {
	return runWorklistWithOptions(defaultOptions(cmd))
}

func runWorklistWithOptions(opts Options) error {
	date := opts.now()
	if dateFlag != "" {
		d, err := time.ParseInLocation(server.DateLayout, dateFlag, time.Local)
		if err != nil {
			return fmt.Errorf("invalid --date %q: want YYYY-MM-DD", dateFlag)
		}
		date = d
	}
	filters, err := parseFilters()
	if err != nil {
		return err
	}

	gw, err := openGateway(opts, false)
	if err != nil {
		return err
	}
	defer gw.Shutdown()

	list, err := gw.Pipeline().Worklist(context.Background(), date, filters)
	if err != nil {
		return err
	}
	printWorklist(opts.stdout(), date, list)
	return nil
}

func parseFilters() (ranking.Filters, error) {
	var f ranking.Filters
	if r := strings.ToUpper(strings.TrimSpace(regionFlag)); r != "" {
		switch account.Region(r) {
		case account.RegionNAM, account.RegionEMEA, account.RegionAPAC:
			f.Region = account.Region(r)
		default:
			return f, fmt.Errorf("unknown region %q", regionFlag)
		}
	}
	size, err := rotation.ParseSizeBand(sizeFlag)
	if err != nil {
		return f, err
	}
	f.Size = size
	if s := strings.TrimSpace(stateFlag); s != "" {
		if !account.Status(s).Valid() {
			return f, fmt.Errorf("unknown status %q", s)
		}
		f.Status = account.Status(s)
	}
	return f, nil
}

func printWorklist(w io.Writer, date time.Time, list ranking.Result) {
	fmt.Fprintf(w, "%s · %s\n\n", list.Segment.Label, date.Format("Mon Jan 2"))
	if len(list.Priority)+len(list.Remaining) == 0 {
		fmt.Fprintln(w, "No accounts in rotation.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tCOMPANY\tSCORE\tSTATUS\tREGION\tEMPLOYEES\t")
	for i, item := range list.All() {
		rank := strconv.Itoa(i + 1)
		if i < len(list.Priority) {
			rank += "*"
		}
		score := strconv.Itoa(item.Score)
		if item.Estimated {
			score += " est"
		}
		status := string(item.Status)
		if item.Overdue {
			status += " (overdue)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t\n", rank, item.Company.Name, score, status, item.Company.Region, item.Company.EmployeeCount)
	}
	_ = tw.Flush()
	fmt.Fprintf(w, "\n* priority (top %d queued)\n", ranking.PrioritySize)
}

func runScore(cmd *cobra.Command, args []string) error {
	return runScoreWithOptions(args[0], defaultOptions(cmd))
}

func runScoreWithOptions(id string, opts Options) error {
	gw, err := openGateway(opts, true)
	if err != nil {
		return err
	}
	defer gw.Shutdown()

	ctx, cancel := interruptContext()
	defer cancel()
	score, err := gw.Pipeline().ScoreAccount(ctx, id)
	if err != nil {
		return err
	}

	w := opts.stdout()
	fmt.Fprintf(w, "%s DRIVE %d/50\n", id, score.Total)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	rows := []struct {
		name   string
		value  int
		reason string
	}{
		{"Demo", score.Demo, score.Reasoning.Demo},
		{"Real ad spend", score.RealAdSpend, score.Reasoning.RealAdSpend},
		{"Intricate routing", score.IntricateRouting, score.Reasoning.IntricateRouting},
		{"Velocity", score.Velocity, score.Reasoning.Velocity},
		{"Evidence", score.Evidence, score.Reasoning.Evidence},
	}
	for _, r := range rows {
		fmt.Fprintf(tw, "  %s\t%d\t%s\n", r.name, r.value, r.reason)
	}
	_ = tw.Flush()
	if score.TopPainSignal != "" {
		fmt.Fprintf(w, "Top pain: %s\n", score.TopPainSignal)
	}
	if score.Summary != "" {
		fmt.Fprintf(w, "Summary: %s\n", score.Summary)
	}
	return nil
}

func runEmail(cmd *cobra.Command, args []string) error {
	return runEmailWithOptions(args[0], defaultOptions(cmd))
}

func runEmailWithOptions(id string, opts Options) error {
	gw, err := openGateway(opts, true)
	if err != nil {
		return err
	}
	defer gw.Shutdown()

	ctx, cancel := interruptContext()
	defer cancel()
	email, err := gw.Pipeline().DraftEmail(ctx, pipeline.EmailRequest{
		CompanyID:     id,
		Angle:         angleFlag,
		BuyerPersona:  personaFlag,
		TopPainSignal: painFlag,
	})
	if err != nil {
		return err
	}

	w := opts.stdout()
	fmt.Fprintf(w, "Subject: %s\n\n%s\n", email.Subject, email.Body)
	if email.Angle != "" {
		fmt.Fprintf(w, "\nAngle: %s\n", email.Angle)
	}
	if email.PersonalizationNotes != "" {
		fmt.Fprintf(w, "Notes: %s\n", email.PersonalizationNotes)
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	return runStatusWithOptions(args[0], args[1], defaultOptions(cmd))
}

func runStatusWithOptions(id, state string, opts Options) error {
	status := account.Status(strings.TrimSpace(state))
	if !status.Valid() {
		names := make([]string, len(account.Statuses))
		for i, s := range account.Statuses {
			names[i] = string(s)
		}
		return fmt.Errorf("unknown status %q (want one of %s)", state, strings.Join(names, ", "))
	}

	gw, err := openGateway(opts, false)
	if err != nil {
		return err
	}
	defer gw.Shutdown()

	st, err := gw.Pipeline().UpdateStatus(context.Background(), pipeline.StatusUpdate{
		CompanyID:  id,
		Status:     status,
		LastAction: actionFlag,
		Notes:      notesFlag,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(opts.stdout(), "%s -> %s at %s\n", st.CompanyID, st.Status, st.UpdatedAt.Format(time.RFC3339))
	return nil
}

func runEnvCheck(cmd *cobra.Command, args []string) error {
	return runEnvCheckWithOptions(defaultOptions(cmd))
}

func runEnvCheckWithOptions(opts Options) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	enc := json.NewEncoder(opts.stdout())
	enc.SetIndent("", "  ")
	return enc.Encode(cfg.KeyStatus())
}

func runOnboard(cmd *cobra.Command, args []string) error {
	return runOnboardWithOptions(defaultOptions(cmd))
}

func runOnboardWithOptions(opts Options) error {
	w := opts.stdout()
	cfgDir := config.ConfigDir()
	cfgPath := config.ConfigPath()
	companiesPath := filepath.Join(cfgDir, "companies.json")

	if err := os.MkdirAll(filepath.Join(cfgDir, "data"), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		cfg := config.DefaultConfig()
		cfg.Catalog.CompaniesPath = companiesPath
		if err := config.SaveConfig(cfg); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Fprintf(w, "Created config: %s\n", cfgPath)
	} else {
		fmt.Fprintf(w, "Config already exists: %s\n", cfgPath)
	}

	writeIfNotExists(w, companiesPath, catalog.SampleJSON())

	fmt.Fprintln(w, "\nNext steps:")
	fmt.Fprintf(w, "  1. Edit %s to set your API key\n", cfgPath)
	fmt.Fprintln(w, "  2. Or set PROSPECTOR_API_KEY environment variable")
	fmt.Fprintln(w, "  3. Run 'prospector worklist' to see today's accounts")
	return nil
}

func writeIfNotExists(w io.Writer, path string, content []byte) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		_ = os.WriteFile(path, content, 0644)
		fmt.Fprintf(w, "  Created: %s\n", path)
	}
}
