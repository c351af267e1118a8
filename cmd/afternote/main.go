package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"afternote/internal/app"
	"afternote/internal/config"
	"afternote/internal/db"
	"afternote/internal/domain"
	"afternote/internal/engine"
	"afternote/internal/repo"
	"afternote/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "afternote",
	Short: "Afternote death verification and message release",
	Long: `Afternote holds video messages until a subject's death is verified.
- Trustees attest to a death; once enough distinct trustees agree the verification waits for release.
- A release opens every sealed message and notifies each recipient once.
- A scheduled verification resolves itself after its grace period unless someone intervenes.
- Every change lands in the event log, view it with 'afternote log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix(config.EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "", "identity acting on the command line")
	rootCmd.PersistentFlags().String("log-level", "warn", "log level (debug, info, warn, error)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(verifyCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(directoryCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(tokenCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the workspace database and a default afternote.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				fmt.Printf("%s exists, keeping it\n", path)
			} else {
				if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
					return err
				}
				fmt.Printf("wrote %s\n", path)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				fmt.Printf("database ready at %s\n", db.Path(workspace))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing afternote.yml")
	return cmd
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the sweep scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return fmt.Errorf("auth.jwt_secret (or AFTERNOTE_AUTH_JWT_SECRET) is required for bearer auth")
			}
			logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel("info")}))
			slog.SetDefault(logger)
			a, err := app.Open(ctx, app.Options{Workspace: viper.GetString("workspace"), Config: cfg, Logger: logger})
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := a.Close(shutdownCtx); err != nil {
					logger.Error("shutdown", slog.Any("error", err))
				}
			}()

			if cfg.Sweep.Enabled {
				sw, err := a.Sweeper()
				if err != nil {
					return err
				}
				sw.Start()
				defer func() {
					stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
					defer cancel()
					_ = sw.Stop(stopCtx)
				}()
			}

			handler, err := server.New(a.ServerConfig())
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			logger.Info("serving afternote API",
				slog.String("addr", cfg.Server.Addr), slog.String("base_path", cfg.Server.BasePath),
				slog.Bool("sweep", cfg.Sweep.Enabled))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().String("addr", "", "listen address (overrides server.addr)")
	cmd.Flags().String("base-path", "", "API base path (overrides server.base_path)")
	_ = viper.BindPFlag("server.addr", cmd.Flags().Lookup("addr"))
	_ = viper.BindPFlag("server.base_path", cmd.Flags().Lookup("base-path"))
	return cmd
}

func verifyCmd() *cobra.Command {
	v := &cobra.Command{
		Use:   "verify",
		Short: "Work with death verifications",
		Long:  "Attest, schedule, inspect, release and close verification episodes. One episode per subject can be open at a time.",
	}
	v.AddCommand(verifyAttestCmd())
	v.AddCommand(verifyScheduleCmd())
	v.AddCommand(verifyStatusCmd())
	v.AddCommand(verifyPendingCmd())
	v.AddCommand(verifyReleaseCmd())
	v.AddCommand(verifyCloseCmd("reject", "Reject the open verification", func(e engine.Engine) closeFunc { return e.Reject }))
	v.AddCommand(verifyCloseCmd("expire", "Expire the open verification", func(e engine.Engine) closeFunc { return e.Expire }))
	v.AddCommand(verifyListCmd())
	v.AddCommand(verifyNotifyCmd())
	v.AddCommand(verifyRetryCmd())
	return v
}

func verifyAttestCmd() *cobra.Command {
	var in engine.AttestInput
	cmd := &cobra.Command{
		Use:   "attest",
		Short: "Record a trustee attestation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				in.ActorID = actorID()
				res, err := a.Engine.Attest(ctx, in)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Println(res.Message)
				fmt.Printf("Episode %s: %s (%d/%d trustees)\n", res.Episode.ID, res.Episode.Status, res.VerifiedCount, res.RequiredCount)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&in.SubjectID, "subject", "", "subject user id")
	cmd.Flags().StringVar(&in.Method, "method", domain.MethodDeathCertificate, "verification method")
	cmd.Flags().StringVar(&in.DateOfDeath, "date-of-death", "", "date of death (YYYY-MM-DD)")
	cmd.Flags().StringVar(&in.PlaceOfDeath, "place", "", "place of death")
	cmd.Flags().StringVar(&in.Notes, "notes", "", "notes")
	cmd.Flags().StringVar(&in.EvidenceRef, "evidence", "", "reference to supporting evidence")
	cmd.Flags().BoolVar(&in.Confirmed, "confirm", false, "confirm the attestation is truthful")
	return cmd
}

func verifyScheduleCmd() *cobra.Command {
	var in engine.ScheduleInput
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Schedule automatic verification",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				in.ActorID = actorID()
				ep, err := a.Engine.Schedule(ctx, in)
				if err != nil {
					return err
				}
				return printEpisodes([]domain.Episode{ep})
			})
		},
	}
	cmd.Flags().StringVar(&in.SubjectID, "subject", "", "subject user id")
	cmd.Flags().StringVar(&in.ScheduledDate, "date", "", "scheduled date (RFC 3339 or YYYY-MM-DD)")
	cmd.Flags().IntVar(&in.AutoResolveAfterDays, "days", 0, "grace period in days (0 uses policy default)")
	return cmd
}

func verifyStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <subject>",
		Short: "Show the current verification of a subject",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				ep, ok, err := a.Engine.GetStatus(ctx, args[0])
				if err != nil {
					return err
				}
				if !ok {
					if viper.GetBool("json") {
						return printJSON(map[string]any{"found": false})
					}
					fmt.Println("no verification found")
					return nil
				}
				if viper.GetBool("json") {
					return printJSON(ep)
				}
				return printEpisodes([]domain.Episode{ep})
			})
		},
	}
}

func verifyPendingCmd() *cobra.Command {
	var identity string
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "Open verifications a trustee can attest to",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if identity == "" {
					identity = actorID()
				}
				eps, err := a.Engine.ListPending(ctx, identity)
				if err != nil {
					return err
				}
				return printEpisodes(eps)
			})
		},
	}
	cmd.Flags().StringVar(&identity, "identity", "", "trustee identity (defaults to --actor-id)")
	return cmd
}

func verifyReleaseCmd() *cobra.Command {
	var admin bool
	cmd := &cobra.Command{
		Use:   "release <subject>",
		Short: "Release the video messages of a verified subject",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.Release(ctx, engine.ReleaseInput{SubjectID: args[0], ActorID: actorID(), Admin: admin})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("%s (%d messages)\n", res.Message, res.ReleasedMessageCount)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&admin, "admin", false, "skip the trustee permission check")
	return cmd
}

type closeFunc func(context.Context, engine.CloseInput) (domain.Episode, error)

func verifyCloseCmd(use, short string, pick func(engine.Engine) closeFunc) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   use + " <subject>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				ep, err := pick(a.Engine)(ctx, engine.CloseInput{SubjectID: args[0], ActorID: actorID(), Reason: reason})
				if err != nil {
					return err
				}
				return printEpisodes([]domain.Episode{ep})
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in the event log")
	return cmd
}

func verifyListCmd() *cobra.Command {
	var f repo.EpisodeFilter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List verification episodes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				page, err := a.Engine.ListEpisodes(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(page)
				}
				if err := printEpisodes(page.Items); err != nil {
					return err
				}
				fmt.Printf("page %d, %d of %d\n", page.Page, len(page.Items), page.Total)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Method, "method", "", "verification method filter")
	cmd.Flags().StringVar(&f.SubjectID, "subject", "", "subject filter")
	cmd.Flags().StringVar(&f.Search, "search", "", "search notes and place of death")
	cmd.Flags().StringVar(&f.SortBy, "sort-by", "created_at", "sort field")
	cmd.Flags().StringVar(&f.SortOrder, "sort-order", "desc", "asc or desc")
	cmd.Flags().IntVar(&f.Page, "page", 1, "page number")
	cmd.Flags().IntVar(&f.Limit, "limit", 20, "page size")
	return cmd
}

func verifyNotifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "notify <subject>",
		Short: "Send the release notices of a verified subject again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				n, err := a.Engine.Renotify(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				fmt.Printf("queued %d notifications\n", n)
				return nil
			})
		},
	}
}

func verifyRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry-release <subject>",
		Short: "Re-run the release of a verified subject",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				out, err := a.Engine.RetryRelease(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				fmt.Printf("released %d messages, queued %d notifications\n", out.ReleasedCount(), len(out.Notifications))
				return nil
			})
		},
	}
}

func sweepCmd() *cobra.Command {
	s := &cobra.Command{Use: "sweep", Short: "Scheduled verification sweep"}
	s.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Resolve every scheduled verification whose grace period has passed",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.SweepResolve(ctx, time.Now())
				if viper.GetBool("json") {
					if perr := printJSON(res); perr != nil {
						return perr
					}
				} else {
					fmt.Printf("scanned %d, resolved %d, skipped %d, failed %d\n", res.Scanned, len(res.Resolved), res.Skipped, res.Failed)
				}
				return err
			})
		},
	})
	return s
}

func directoryCmd() *cobra.Command {
	d := &cobra.Command{
		Use:   "directory",
		Short: "Manage users, trustees, recipients and video messages",
	}
	d.AddCommand(directoryUserCmd())
	d.AddCommand(directoryTrusteeCmd())
	d.AddCommand(directoryRecipientCmd())
	d.AddCommand(directoryVideoCmd())
	return d
}

func directoryUserCmd() *cobra.Command {
	var u domain.User
	cmd := &cobra.Command{
		Use:   "user-add",
		Short: "Add a subject user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if u.ID == "" {
					u.ID = uuid.NewString()
				}
				u.CreatedAt = nowTS()
				if err := a.Engine.Repo.InsertUser(ctx, u); err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	cmd.Flags().StringVar(&u.ID, "id", "", "user id (generated when empty)")
	cmd.Flags().StringVar(&u.Name, "name", "", "display name")
	cmd.Flags().StringVar(&u.Email, "email", "", "email address")
	return cmd
}

func directoryTrusteeCmd() *cobra.Command {
	var t domain.Trustee
	cmd := &cobra.Command{
		Use:   "trustee-add",
		Short: "Register a trustee for a subject",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if t.SubjectID == "" || t.Identity == "" {
					return fmt.Errorf("--subject and --identity are required")
				}
				t.ID = uuid.NewString()
				t.Identity = strings.ToLower(strings.TrimSpace(t.Identity))
				t.CreatedAt = nowTS()
				if err := a.Engine.Repo.InsertTrustee(ctx, t); err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&t.SubjectID, "subject", "", "subject user id")
	cmd.Flags().StringVar(&t.Identity, "identity", "", "trustee identity (email)")
	cmd.Flags().StringVar(&t.FullName, "name", "", "trustee name")
	cmd.Flags().BoolVar(&t.Permissions.CanVerifyDeath, "verify", true, "may attest to death")
	cmd.Flags().BoolVar(&t.Permissions.CanReleaseMessages, "release", false, "may release messages")
	cmd.Flags().BoolVar(&t.Permissions.CanModifyRecipients, "modify-recipients", false, "may modify recipients")
	cmd.Flags().IntVar(&t.RequiredQuorum, "quorum", 1, "distinct trustees required when this trustee opens a verification")
	return cmd
}

func directoryRecipientCmd() *cobra.Command {
	var rc domain.Recipient
	cmd := &cobra.Command{
		Use:   "recipient-add",
		Short: "Add a message recipient",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if rc.ID == "" {
					rc.ID = uuid.NewString()
				}
				rc.CreatedAt = nowTS()
				if err := a.Engine.Repo.InsertRecipient(ctx, rc); err != nil {
					return err
				}
				return printJSONOrTable(rc)
			})
		},
	}
	cmd.Flags().StringVar(&rc.ID, "id", "", "recipient id (generated when empty)")
	cmd.Flags().StringVar(&rc.SubjectID, "subject", "", "subject user id")
	cmd.Flags().StringVar(&rc.FullName, "name", "", "recipient name")
	cmd.Flags().StringVar(&rc.Email, "email", "", "recipient email")
	return cmd
}

func directoryVideoCmd() *cobra.Command {
	var m domain.VideoMessage
	cmd := &cobra.Command{
		Use:   "video-add",
		Short: "Add a video message sealed until release",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				m.ID = uuid.NewString()
				m.CreatedAt = nowTS()
				m.UpdatedAt = m.CreatedAt
				m.ReleaseCondition.VerificationRequired = true
				if err := a.Engine.Repo.InsertVideoMessage(ctx, m); err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&m.SubjectID, "subject", "", "subject user id")
	cmd.Flags().StringVar(&m.Title, "title", "", "message title")
	cmd.Flags().StringSliceVar(&m.RecipientIDs, "recipient", nil, "recipient id (repeatable)")
	cmd.Flags().StringVar(&m.ReleaseCondition.Type, "release-type", domain.ReleaseDeathVerification, "death_verification, date_based or manual")
	cmd.Flags().IntVar(&m.ReleaseCondition.TrustedContactsRequired, "trusted-contacts", 1, "trusted contacts required (informational)")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every attestation, transition and release is appended to the event log.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var subjectID, evtType string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				evts, err := a.Engine.Repo.LatestEvents(ctx, n, 0, subjectID, evtType)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Subject", "Entity", "Actor"})
				for _, e := range evts {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.SubjectID, e.EntityKind + ":" + e.EntityID, e.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&subjectID, "subject", "", "subject filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
		Long:  "Configuration comes from afternote.yml in the workspace, overridden by AFTERNOTE_* environment variables.",
	}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig()
			if err != nil {
				return err
			}
			if c.Auth.JWTSecret != "" {
				c.Auth.JWTSecret = "********"
			}
			return printJSONOrTable(c)
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := loadConfig()
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	})
	return cfg
}

func tokenCmd() *cobra.Command {
	var subject string
	var roles []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token signed with auth.jwt_secret (development only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return fmt.Errorf("auth.jwt_secret is not configured")
			}
			if subject == "" {
				subject = actorID()
			}
			now := time.Now()
			claims := jwt.MapClaims{
				"sub": subject,
				"iat": now.Unix(),
				"exp": now.Add(ttl).Unix(),
			}
			if len(roles) > 0 {
				claims["roles"] = roles
			}
			signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cfg.Auth.JWTSecret))
			if err != nil {
				return err
			}
			fmt.Println(signed)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "sub", "", "token subject (defaults to --actor-id)")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "role claim (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

// --- helpers ---

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOptional(viper.GetString("workspace"))
	if err != nil {
		return nil, err
	}
	if err := config.Overlay(cfg, viper.GetViper()); err != nil {
		return nil, err
	}
	return cfg, nil
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(viper.GetString("log-level"))}))
	a, err := app.Open(ctx, app.Options{Workspace: viper.GetString("workspace"), Config: cfg, Logger: logger})
	if err != nil {
		return err
	}
	runErr := fn(ctx, a)
	// Close drains queued notifications before the database goes away.
	closeCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	return errors.Join(runErr, a.Close(closeCtx))
}

func logLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}

func actorID() string {
	if id := strings.TrimSpace(viper.GetString("actor-id")); id != "" {
		return strings.ToLower(id)
	}
	return "local-user"
}

func nowTS() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func printEpisodes(eps []domain.Episode) error {
	if viper.GetBool("json") {
		return printJSON(eps)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Subject", "Kind", "Status", "Trustees", "Scheduled", "Verified"})
	for _, e := range eps {
		tw.AppendRow(table.Row{e.ID, e.SubjectID, e.Kind, e.Status,
			fmt.Sprintf("%d/%d", e.VerifiedCount(), e.RequiredTrustees), deref(e.ScheduledDate), deref(e.VerificationDate)})
	}
	tw.Render()
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
