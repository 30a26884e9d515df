package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/macfox/claudedeck/internal/anthropic"
	"github.com/macfox/claudedeck/internal/config"
	"github.com/macfox/claudedeck/internal/creds"
	"github.com/macfox/claudedeck/internal/history"
	"github.com/macfox/claudedeck/internal/poller"
	"github.com/macfox/claudedeck/internal/registry"
	"github.com/macfox/claudedeck/internal/session"
	"github.com/macfox/claudedeck/internal/vault"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:   "claudedeck",
		Short: "Claudedeck tracks Claude usage across accounts and keeps credentials in sync",
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultConfigPath(), "path to config file")

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newAccountsCommand())
	rootCmd.AddCommand(newTokenCommand())
	rootCmd.AddCommand(newUsageCommand())
	rootCmd.AddCommand(newAdminCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newConfigCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

// services bundles the wired components a command needs.
type services struct {
	cfg        config.Config
	registry   *registry.Registry
	source     *creds.ConfigSource
	resolver   *creds.Resolver
	host       *vault.HostSource
	probe      *session.Probe
	client     *anthropic.Client
	reconciler *session.Reconciler
	logger     *slog.Logger
}

func buildServices() (*services, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if _, err := config.EnsureSecureDataDir(); err != nil {
		return nil, err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	reg, err := registry.Open(cfg.Paths.CredentialsFile)
	if err != nil {
		return nil, err
	}

	// The secure store is preferred; when no keychain or passphrase is
	// available the file registry serves as the sole backing store.
	var store creds.Store
	var fallback creds.Store
	if v, verr := vault.NewDefault(vault.Options{}); verr == nil {
		store = vault.NewStore(v)
		fallback = reg
	} else {
		logger.Warn("secure store unavailable, using file store", "error", verr)
		store = reg
	}

	host := vault.NewHostSource(cfg.Paths.ClaudeDir)
	source := creds.NewConfigSource(cfg.Paths.TokenConfigFile)
	resolver := creds.NewResolver(source, store, fallback, host, logger)
	client := anthropic.NewClient(cfg.API.BaseURL)
	probe := session.NewProbe(cfg.Paths.ClaudeDir)

	profileFn := func(ctx context.Context) (string, string, error) {
		record, err := host.ReadHostCredentials(ctx)
		if err != nil {
			return "", "", err
		}
		profile, err := client.FetchProfile(ctx, record.AccessToken)
		if err != nil {
			return "", "", err
		}
		return profile.Email, profile.CorrelationID, nil
	}
	reconciler := session.NewReconciler(probe, reg, resolver, profileFn, logger)

	return &services{
		cfg:        cfg,
		registry:   reg,
		source:     source,
		resolver:   resolver,
		host:       host,
		probe:      probe,
		client:     client,
		reconciler: reconciler,
		logger:     logger,
	}, nil
}

func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the usage poller in the foreground",
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := buildServices()
			if err != nil {
				return err
			}
			store, err := history.Open(svc.cfg.History.DBPath)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			if err := store.DeleteOlderThan(ctx, svc.cfg.History.RetentionDays); err != nil {
				svc.logger.Warn("failed to clean old snapshots", "error", err)
			}

			interval := time.Duration(svc.cfg.Poll.IntervalSeconds) * time.Second
			p := poller.New(interval, svc.resolver, svc.registry, svc.reconciler, svc.client, store, svc.host, svc.logger)

			// SIGUSR1 doubles as the foreground-activation stimulus so a
			// wrapping UI process can force an immediate cycle.
			wakeCh := make(chan os.Signal, 1)
			signal.Notify(wakeCh, syscall.SIGUSR1)
			go func() {
				for range wakeCh {
					p.Wake()
				}
			}()

			svc.logger.Info("claudedeck poller starting", "interval", interval.String())
			if err := p.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show active and selected accounts and token state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := buildServices()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			svc.reconciler.Reconcile(ctx)

			accounts, err := svc.registry.List()
			if err != nil {
				return err
			}
			if len(accounts) == 0 {
				fmt.Println("no accounts registered; run 'claudedeck accounts import' first")
				return nil
			}

			activeID, _ := svc.reconciler.ActiveAccountID()
			selected, hasSelected, err := svc.registry.Selected()
			if err != nil {
				return err
			}

			for _, account := range accounts {
				marks := []string{}
				if hasSelected && account.ID == selected.ID {
					marks = append(marks, "selected")
				}
				if account.ID == activeID {
					marks = append(marks, "active")
				}
				suffix := ""
				if len(marks) > 0 {
					suffix = " (" + strings.Join(marks, ", ") + ")"
				}
				expiry := svc.resolver.ExpiryDescription(ctx, account)
				if expiry == "" {
					expiry = "no credentials"
				}
				fmt.Printf("%s  %s%s\n    token: %s\n", account.ID, account.Name, suffix, expiry)
			}
			return nil
		},
	}
}

func newAccountsCommand() *cobra.Command {
	accountsCmd := &cobra.Command{
		Use:   "accounts",
		Short: "Manage local accounts",
	}

	accountsCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List accounts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := buildServices()
			if err != nil {
				return err
			}
			accounts, err := svc.registry.List()
			if err != nil {
				return err
			}
			selected, hasSelected, err := svc.registry.Selected()
			if err != nil {
				return err
			}
			for _, account := range accounts {
				marker := " "
				if hasSelected && account.ID == selected.ID {
					marker = "*"
				}
				fmt.Printf("%s %s  %s\n", marker, account.ID, account.Name)
			}
			return nil
		},
	})

	var addIcon string
	addCmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Add an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := buildServices()
			if err != nil {
				return err
			}
			account, err := svc.registry.Add(args[0], addIcon)
			if err != nil {
				return err
			}
			fmt.Printf("added account %s (%s)\n", account.Name, account.ID)
			return nil
		},
	}
	addCmd.Flags().StringVar(&addIcon, "icon", "person.circle", "account icon name")
	accountsCmd.AddCommand(addCmd)

	accountsCmd.AddCommand(&cobra.Command{
		Use:   "remove <id>",
		Short: "Remove an account and its stored credentials",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := buildServices()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if err := svc.resolver.DeleteCredentials(ctx, args[0]); err != nil {
				svc.logger.Warn("credential delete failed", "account", args[0], "error", err)
			}
			if err := svc.registry.Remove(args[0]); err != nil {
				return err
			}
			fmt.Printf("removed account %s\n", args[0])
			return nil
		},
	})

	accountsCmd.AddCommand(&cobra.Command{
		Use:   "use <id>",
		Short: "Select an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := buildServices()
			if err != nil {
				return err
			}
			if err := svc.registry.Select(args[0]); err != nil {
				return err
			}
			fmt.Printf("selected account %s\n", args[0])
			return nil
		},
	})

	var importAccountID string
	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Import the host application's current credentials",
		Long:  "Imports the credentials Claude Code currently holds into the given account, creating a new account from the host profile when none is given.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := buildServices()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			accountID := importAccountID
			if accountID == "" {
				record, err := svc.host.ReadHostCredentials(ctx)
				if err != nil {
					return fmt.Errorf("host holds no credentials: %w", err)
				}
				name := "Claude"
				var profile *anthropic.Profile
				if p, perr := svc.client.FetchProfile(ctx, record.AccessToken); perr == nil {
					profile = p
					if p.Email != "" {
						name = p.Email
					}
				}
				account, err := svc.registry.Add(name, "person.circle")
				if err != nil {
					return err
				}
				accountID = account.ID
				if profile != nil {
					if profile.Email != "" {
						_ = svc.registry.UpdateEmail(accountID, profile.Email)
					}
					if profile.CorrelationID != "" {
						_ = svc.registry.UpdateCorrelationID(accountID, profile.CorrelationID)
					}
				}
				fmt.Printf("created account %s (%s)\n", name, accountID)
			}

			if err := svc.resolver.ImportHostCredentials(ctx, accountID); err != nil {
				return err
			}
			account, err := svc.registry.Get(accountID)
			if err == nil {
				fmt.Printf("imported host credentials into %s: %s\n", account.Name, svc.resolver.ExpiryDescription(ctx, account))
			}
			return nil
		},
	}
	importCmd.Flags().StringVar(&importAccountID, "account", "", "account id to import into (defaults to a new account)")
	accountsCmd.AddCommand(importCmd)

	return accountsCmd
}

func newTokenCommand() *cobra.Command {
	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Inspect resolved tokens",
	}

	var accountID string
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show the resolved token for an account",
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := buildServices()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			account, err := targetAccount(svc, accountID)
			if err != nil {
				return err
			}
			token, err := svc.resolver.ResolveToken(ctx, account)
			if err != nil {
				return fmt.Errorf("resolve token for %s: %w", account.Name, err)
			}
			fmt.Printf("%s  %s\n    token: %s\n    expiry: %s\n", account.ID, account.Name, maskToken(token), svc.resolver.ExpiryDescription(ctx, account))
			return nil
		},
	}
	showCmd.Flags().StringVar(&accountID, "account", "", "account id (defaults to selected)")
	tokenCmd.AddCommand(showCmd)

	return tokenCmd
}

func newUsageCommand() *cobra.Command {
	var accountID string
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Fetch current usage for an account",
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := buildServices()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			account, err := targetAccount(svc, accountID)
			if err != nil {
				return err
			}
			token, err := svc.resolver.ResolveToken(ctx, account)
			if err != nil {
				return fmt.Errorf("resolve token for %s: %w", account.Name, err)
			}
			usage, err := svc.client.FetchUsage(ctx, token)
			if err != nil {
				return err
			}
			fmt.Printf("%s\n", account.Name)
			printBucket("  session (5h)", usage.FiveHour)
			printBucket("  weekly (7d) ", usage.SevenDay)
			printBucket("  opus (7d)   ", usage.SevenDayOpus)
			return nil
		},
	}
	cmd.Flags().StringVar(&accountID, "account", "", "account id (defaults to selected)")
	return cmd
}

func newAdminCommand() *cobra.Command {
	adminCmd := &cobra.Command{
		Use:   "admin",
		Short: "Organization admin reports",
	}

	var date string
	var store bool
	usageCmd := &cobra.Command{
		Use:   "usage",
		Short: "Fetch per-member token totals for a date",
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := buildServices()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if date == "" {
				date = time.Now().UTC().Format("2006-01-02")
			}
			adminKey := strings.TrimSpace(os.Getenv(svc.cfg.Admin.APIKeyEnv))
			if adminKey == "" {
				return fmt.Errorf("admin key env %s is not set", svc.cfg.Admin.APIKeyEnv)
			}
			members, err := svc.client.FetchAdminUsage(ctx, adminKey, date)
			if err != nil {
				return err
			}
			var hist *history.Store
			if store {
				hist, err = history.Open(svc.cfg.History.DBPath)
				if err != nil {
					return err
				}
				defer hist.Close()
			}
			for _, member := range members {
				fmt.Printf("%-40s in=%d out=%d\n", member.Member, member.InputTokens, member.OutputTokens)
				if hist != nil {
					err := hist.UpsertAdminUsage(ctx, history.MemberUsage{
						Date:         date,
						Member:       member.Member,
						InputTokens:  member.InputTokens,
						OutputTokens: member.OutputTokens,
					})
					if err != nil {
						svc.logger.Warn("admin usage store failed", "member", member.Member, "error", err)
					}
				}
			}
			return nil
		},
	}
	usageCmd.Flags().StringVar(&date, "date", "", "UTC date (YYYY-MM-DD, defaults to today)")
	usageCmd.Flags().BoolVar(&store, "store", false, "persist totals to the history db")
	adminCmd.AddCommand(usageCmd)

	return adminCmd
}

func newHistoryCommand() *cobra.Command {
	var accountID string
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show stored usage snapshots",
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := buildServices()
			if err != nil {
				return err
			}
			store, err := history.Open(svc.cfg.History.DBPath)
			if err != nil {
				return err
			}
			defer store.Close()
			snapshots, err := store.ListSnapshots(cmd.Context(), history.QueryFilter{
				AccountID: accountID,
				Limit:     limit,
			})
			if err != nil {
				return err
			}
			for _, snapshot := range snapshots {
				fmt.Printf("%s  %s  session=%.0f%% weekly=%.0f%%\n",
					snapshot.Timestamp.Format(time.RFC3339), snapshot.AccountID, snapshot.SessionPct, snapshot.WeeklyPct)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&accountID, "account", "", "filter by account id")
	cmd.Flags().IntVar(&limit, "limit", 20, "max snapshots to show")
	return cmd
}

func newConfigCommand() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage claudedeck configuration",
	}
	configCmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			expanded, err := config.ExpandPath(configPath)
			if err != nil {
				return err
			}
			if _, err := os.Stat(expanded); err == nil {
				return fmt.Errorf("config already exists at %s", expanded)
			}
			if err := config.Save(configPath, config.Default()); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", expanded)
			return nil
		},
	})
	return configCmd
}

func targetAccount(svc *services, accountID string) (creds.Account, error) {
	if accountID != "" {
		return svc.registry.Get(accountID)
	}
	account, ok, err := svc.registry.Selected()
	if err != nil {
		return creds.Account{}, err
	}
	if !ok {
		return creds.Account{}, errors.New("no account selected; pass --account or run 'claudedeck accounts use'")
	}
	return account, nil
}

func printBucket(label string, bucket *anthropic.UsageBucket) {
	if bucket == nil {
		fmt.Printf("%s  n/a\n", label)
		return
	}
	resets := ""
	if bucket.ResetsAt != nil && *bucket.ResetsAt != "" {
		resets = "  resets " + *bucket.ResetsAt
	}
	fmt.Printf("%s  %.0f%%%s\n", label, bucket.Utilization, resets)
}

func maskToken(token string) string {
	if len(token) < 20 {
		return token
	}
	return "..." + token[len(token)-12:]
}
