package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"caseline/internal/app"
	"caseline/internal/db"
	"caseline/internal/domain"
	"caseline/internal/intake"
	"caseline/internal/migrate"
	"caseline/internal/queue"
	"caseline/internal/server"
)

const version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:   "cl",
	Short: "Caseline CLI",
	Long: `Caseline manages decision review casework: intake with per-issue
eligibility, end product establishment against the claims system of record,
decision sync, and the task queue that moves cases between judges, attorneys,
and organizations.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
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
	viper.SetEnvPrefix("CASELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(queueCmd())
	rootCmd.AddCommand(jobCmd())
	rootCmd.AddCommand(intakeCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("cl", version)
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			fmt.Println("database up to date")
			return nil
		},
	}
}

func withApp(fn func(ctx context.Context, a *app.App) error) error {
	a, err := app.Open(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(context.Background(), a)
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and background jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.Open(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer a.Close()

			if addr == "" {
				addr = a.Config.Server.Addr
			}
			if basePath == "" {
				basePath = a.Config.Server.BasePath
			}
			secret := os.Getenv("CASELINE_JWT_SECRET")
			if secret == "" {
				secret = a.Config.Server.JWTSecret
			}
			if secret == "" {
				return fmt.Errorf("CASELINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{
				Intake:      a.Intake,
				Est:         a.Est,
				Tasks:       a.Tasks,
				Pager:       a.Pager,
				Distributor: a.Distributor,
				BasePath:    basePath,
				Auth:        server.AuthConfig{JWTSecret: secret},
			})
			if err != nil {
				return err
			}

			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			a.Runner().Start(runCtx)

			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-runCtx.Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Caseline API on http://%s%s\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to config)")
	return cmd
}

func queueCmd() *cobra.Command {
	q := &cobra.Command{Use: "queue", Short: "Work queue views"}
	q.AddCommand(queueListCmd())
	return q
}

func queueListCmd() *cobra.Command {
	var (
		assigneeID   int64
		assigneeType string
		tab          string
		sortCol      string
		order        string
		page         int
		filters      []string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List one queue tab",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.App) error {
				req := queue.Request{
					AssigneeID:   assigneeID,
					AssigneeType: domain.AssigneeType(assigneeType),
					Tab:          queue.Tab(tab),
					Sort:         queue.SortColumn(sortCol),
					Order:        order,
					Page:         page,
				}
				for _, f := range filters {
					col, val, ok := strings.Cut(f, ":")
					if !ok {
						return fmt.Errorf("filter must be column:value, got %q", f)
					}
					req.Filters = append(req.Filters, queue.Filter{Column: col, Values: []string{val}})
				}
				pg, err := a.Pager.Page(ctx, req)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(pg)
				}
				renderQueue(pg)
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&assigneeID, "assignee-id", 0, "user or organization id")
	cmd.Flags().StringVar(&assigneeType, "assignee-type", "user", "user|organization")
	cmd.Flags().StringVar(&tab, "tab", "unassigned", "tracking|unassigned|assigned|on_hold|completed")
	cmd.Flags().StringVar(&sortCol, "sort", "", "sort column")
	cmd.Flags().StringVar(&order, "order", "", "asc|desc")
	cmd.Flags().IntVar(&page, "page", 1, "page number")
	cmd.Flags().StringArrayVar(&filters, "filter", nil, "column:value filter, repeatable")
	return cmd
}

func renderQueue(pg domain.TaskPage) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Appeal", "Type", "Status", "Veteran", "Docket", "RO", "Issues"})
	for _, row := range pg.Tasks {
		docket := row.DocketNumber
		if row.DocketType != "" {
			docket = row.DocketType + " " + row.DocketNumber
		}
		tw.AppendRow(table.Row{
			row.TaskID, row.AppealID, row.Variant, row.Status,
			row.VeteranName, docket, row.RegionalOfficeCity, row.IssueCount,
		})
	}
	tw.Render()
	fmt.Printf("page %d of %d (%d tasks)\n", pg.Page, pg.PageCount, pg.TotalCount)
}

func jobCmd() *cobra.Command {
	j := &cobra.Command{Use: "job", Short: "Background jobs"}
	j.AddCommand(jobRunCmd())
	return j
}

func jobRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [name]",
		Short: "Run one poll cycle of a job (or all jobs)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.App) error {
				name := ""
				if len(args) == 1 {
					name = args[0]
				}
				ran := 0
				for _, job := range a.Jobs() {
					if name != "" && job.Name() != name {
						continue
					}
					if err := job.Run(ctx); err != nil {
						return fmt.Errorf("job %s: %w", job.Name(), err)
					}
					fmt.Println("ran", job.Name())
					ran++
				}
				if ran == 0 {
					return fmt.Errorf("unknown job %q", name)
				}
				return nil
			})
		},
	}
	return cmd
}

func intakeCmd() *cobra.Command {
	in := &cobra.Command{Use: "intake", Short: "Review intake"}
	in.AddCommand(intakeSubmitCmd())
	return in
}

// submitFile is the on-disk intake payload: dates as YYYY-MM-DD.
type submitFile struct {
	ReviewType          string `json:"review_type"`
	VeteranFileNumber   string `json:"veteran_file_number"`
	ReceiptDate         string `json:"receipt_date"`
	BenefitType         string `json:"benefit_type"`
	LegacyOptInApproved bool   `json:"legacy_opt_in_approved"`
	SameOffice          bool   `json:"same_office"`
	DocketType          string `json:"docket_type"`
	DocketNumber        string `json:"docket_number"`
	Issues              []struct {
		ContestedRatingIssueID    *string `json:"contested_rating_issue_id"`
		ContestedIssueDescription string  `json:"contested_issue_description"`
		NonratingCategory         string  `json:"nonrating_category"`
		NonratingDescription      string  `json:"nonrating_description"`
		UnidentifiedIssueText     string  `json:"unidentified_issue_text"`
		IsUnidentified            bool    `json:"is_unidentified"`
		DecisionDate              string  `json:"decision_date"`
		BenefitType               string  `json:"benefit_type"`
		UntimelyExemption         bool    `json:"untimely_exemption"`
		LegacyID                  *string `json:"legacy_id"`
		LegacySequenceID          *int    `json:"legacy_sequence_id"`
	} `json:"issues"`
}

func intakeSubmitCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a decision review from a JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var sf submitFile
			if err := json.Unmarshal(data, &sf); err != nil {
				return fmt.Errorf("parse %s: %w", file, err)
			}
			params, err := sf.params()
			if err != nil {
				return err
			}
			return withApp(func(ctx context.Context, a *app.App) error {
				res, err := a.Intake.SubmitReview(ctx, params, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "submission JSON file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func (sf submitFile) params() (intake.SubmitParams, error) {
	receipt, err := time.Parse("2006-01-02", sf.ReceiptDate)
	if err != nil {
		return intake.SubmitParams{}, fmt.Errorf("receipt_date: %w", err)
	}
	p := intake.SubmitParams{
		ReviewType:          domain.ReviewType(sf.ReviewType),
		VeteranFileNumber:   sf.VeteranFileNumber,
		ReceiptDate:         receipt,
		BenefitType:         sf.BenefitType,
		LegacyOptInApproved: sf.LegacyOptInApproved,
		SameOffice:          sf.SameOffice,
		DocketType:          sf.DocketType,
		DocketNumber:        sf.DocketNumber,
	}
	for _, iss := range sf.Issues {
		ip := intake.IssueParams{
			ContestedRatingIssueID:    iss.ContestedRatingIssueID,
			ContestedIssueDescription: iss.ContestedIssueDescription,
			NonratingCategory:         iss.NonratingCategory,
			NonratingDescription:      iss.NonratingDescription,
			UnidentifiedIssueText:     iss.UnidentifiedIssueText,
			IsUnidentified:            iss.IsUnidentified,
			BenefitType:               iss.BenefitType,
			UntimelyExemption:         iss.UntimelyExemption,
			LegacyID:                  iss.LegacyID,
			LegacySequenceID:          iss.LegacySequenceID,
		}
		if iss.DecisionDate != "" {
			d, err := time.Parse("2006-01-02", iss.DecisionDate)
			if err != nil {
				return intake.SubmitParams{}, fmt.Errorf("decision_date: %w", err)
			}
			ip.DecisionDate = &d
		}
		p.Issues = append(p.Issues, ip)
	}
	return p, nil
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}
