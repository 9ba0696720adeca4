package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/valetrun/valet/internal/bus"
	"github.com/valetrun/valet/internal/config"
	"github.com/valetrun/valet/internal/cron"
	"github.com/valetrun/valet/internal/logger"
)

var (
	cronConfigPath string

	cronAddKind    string
	cronAddEvery   string
	cronAddExpr    string
	cronAddAt      string
	cronAddChannel string
	cronAddAddress string
	cronAddUserID  string
)

var cronCmd = &cobra.Command{
	Use:   "cron",
	Short: "Manage scheduled jobs",
	Long: `Inspect and edit the persisted job store. A running instance picks
up changes on its next heartbeat tick.`,
}

var cronAddCmd = &cobra.Command{
	Use:   "add <payload>",
	Short: "Add a scheduled job",
	Args:  cobra.ExactArgs(1),
	RunE:  runCronAdd,
}

var cronListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all scheduled jobs",
	RunE:  runCronList,
}

var cronEnableCmd = &cobra.Command{
	Use:   "enable <job-id>",
	Short: "Enable a scheduled job",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setEnabled(args[0], true) },
}

var cronDisableCmd = &cobra.Command{
	Use:   "disable <job-id>",
	Short: "Disable a scheduled job",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setEnabled(args[0], false) },
}

var cronRemoveCmd = &cobra.Command{
	Use:   "remove <job-id>",
	Short: "Remove a scheduled job",
	Args:  cobra.ExactArgs(1),
	RunE:  runCronRemove,
}

var cronImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Import job definitions from a YAML file",
	Long: `Import jobs from a YAML file. Each entry becomes a new job:

  - kind: interval
    every: 30m
    channel: telegram
    address: "123456"
    user_id: "123456"
    payload: "Check the mail"`,
	Args: cobra.ExactArgs(1),
	RunE: runCronImport,
}

// openJobStore loads config to locate the workspace and returns the store.
func openJobStore() (*cron.Store, error) {
	configPath := cronConfigPath
	if configPath == "" {
		configPath = "./config.toml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	log, err := logger.New(logger.Config{Level: "warn", Format: "text", Output: "stderr"})
	if err != nil {
		return nil, err
	}
	return cron.NewStore(cfg.Workspace.Path, log), nil
}

func runCronAdd(cmd *cobra.Command, args []string) error {
	store, err := openJobStore()
	if err != nil {
		return err
	}

	job := cron.NewJob(cron.Kind(cronAddKind))
	job.Channel = bus.ChannelType(cronAddChannel)
	job.Address = cronAddAddress
	job.UserID = cronAddUserID
	job.Payload = args[0]

	switch job.Kind {
	case cron.KindInterval:
		every, err := time.ParseDuration(cronAddEvery)
		if err != nil {
			return fmt.Errorf("invalid --every value %q: %w", cronAddEvery, err)
		}
		job.Every = every
	case cron.KindCron:
		job.Expr = cronAddExpr
	case cron.KindOneShot:
		at, err := time.Parse(time.RFC3339, cronAddAt)
		if err != nil {
			return fmt.Errorf("invalid --at value %q: %w", cronAddAt, err)
		}
		job.At = &at
	}

	if err := job.Validate(); err != nil {
		return err
	}
	if err := store.Upsert(job); err != nil {
		return err
	}

	fmt.Printf("job %s scheduled\n", job.ID)
	return nil
}

func runCronList(cmd *cobra.Command, args []string) error {
	store, err := openJobStore()
	if err != nil {
		return err
	}
	jobs, err := store.Load()
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		fmt.Println("no scheduled jobs")
		return nil
	}

	for _, job := range jobs {
		state := "enabled"
		if !job.Enabled {
			state = "disabled"
		}
		last := "never"
		if job.LastRun != nil {
			last = job.LastRun.Format(time.RFC3339)
		}
		fmt.Printf("%s  %-8s %-8s target=%s payload=%q last_run=%s",
			job.ID, job.Kind, state, job.SessionID(), job.Payload, last)
		if job.LastResult != "" {
			fmt.Printf(" result=%q", job.LastResult)
		}
		fmt.Println()
	}
	fmt.Printf("total: %d\n", len(jobs))
	return nil
}

func setEnabled(id string, enabled bool) error {
	store, err := openJobStore()
	if err != nil {
		return err
	}
	job, err := store.Get(id)
	if err != nil {
		return err
	}
	job.Enabled = enabled
	if err := store.Upsert(job); err != nil {
		return err
	}

	state := "enabled"
	if !enabled {
		state = "disabled"
	}
	fmt.Printf("job %s %s\n", id, state)
	return nil
}

func runCronRemove(cmd *cobra.Command, args []string) error {
	store, err := openJobStore()
	if err != nil {
		return err
	}
	if err := store.Remove(args[0]); err != nil {
		return err
	}
	fmt.Printf("job %s removed\n", args[0])
	return nil
}

// importedJob mirrors the Job fields a YAML definition may set.
type importedJob struct {
	Kind    string `yaml:"kind"`
	Every   string `yaml:"every"`
	Expr    string `yaml:"expr"`
	At      string `yaml:"at"`
	Channel string `yaml:"channel"`
	Address string `yaml:"address"`
	UserID  string `yaml:"user_id"`
	Payload string `yaml:"payload"`
}

func runCronImport(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read import file: %w", err)
	}

	var entries []importedJob
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("failed to parse import file: %w", err)
	}

	store, err := openJobStore()
	if err != nil {
		return err
	}

	var added []string
	for i, entry := range entries {
		job := cron.NewJob(cron.Kind(entry.Kind))
		job.Channel = bus.ChannelType(entry.Channel)
		job.Address = entry.Address
		job.UserID = entry.UserID
		job.Payload = entry.Payload
		job.Expr = entry.Expr

		if entry.Every != "" {
			every, err := time.ParseDuration(entry.Every)
			if err != nil {
				return fmt.Errorf("entry %d: invalid every %q: %w", i, entry.Every, err)
			}
			job.Every = every
		}
		if entry.At != "" {
			at, err := time.Parse(time.RFC3339, entry.At)
			if err != nil {
				return fmt.Errorf("entry %d: invalid at %q: %w", i, entry.At, err)
			}
			job.At = &at
		}

		if err := job.Validate(); err != nil {
			return fmt.Errorf("entry %d: %w", i, err)
		}
		if err := store.Upsert(job); err != nil {
			return err
		}
		added = append(added, job.ID)
	}

	fmt.Printf("imported %d jobs: %s\n", len(added), strings.Join(added, ", "))
	return nil
}

func init() {
	cronAddCmd.Flags().StringVar(&cronAddKind, "kind", "interval", "schedule kind: interval, cron, oneshot")
	cronAddCmd.Flags().StringVar(&cronAddEvery, "every", "", "interval duration for kind=interval, e.g. 30m")
	cronAddCmd.Flags().StringVar(&cronAddExpr, "expr", "", "cron expression for kind=cron, e.g. '0 9 * * 1'")
	cronAddCmd.Flags().StringVar(&cronAddAt, "at", "", "RFC3339 timestamp for kind=oneshot")
	cronAddCmd.Flags().StringVar(&cronAddChannel, "channel", "telegram", "target channel")
	cronAddCmd.Flags().StringVar(&cronAddAddress, "address", "", "channel routing address (chat id)")
	cronAddCmd.Flags().StringVar(&cronAddUserID, "user", "", "target user id")

	cronCmd.PersistentFlags().StringVarP(&cronConfigPath, "config", "c", "", "path to config file (default ./config.toml)")

	cronCmd.AddCommand(cronAddCmd)
	cronCmd.AddCommand(cronListCmd)
	cronCmd.AddCommand(cronEnableCmd)
	cronCmd.AddCommand(cronDisableCmd)
	cronCmd.AddCommand(cronRemoveCmd)
	cronCmd.AddCommand(cronImportCmd)
}
