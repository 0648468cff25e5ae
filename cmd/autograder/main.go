package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/pavelanni/autograder/internal/config"
	"github.com/pavelanni/autograder/internal/handler"
	appI18n "github.com/pavelanni/autograder/internal/i18n"
	"github.com/pavelanni/autograder/internal/model"
	"github.com/pavelanni/autograder/internal/pipeline"
	"github.com/pavelanni/autograder/internal/store"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "autograder",
		Short:         "Grade handwritten exam submissions against a faculty solution",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return config.LoadDotEnv()
		},
	}
	root.AddCommand(gradeCmd(), batchCmd(), serveCmd(), exportCmd(), hashTokenCmd())
	return root
}

// addPipelineFlags registers the flags shared by every command that grades.
func addPipelineFlags(f *pflag.FlagSet, defaultDB string) {
	f.String("llm-provider", "gemini", "Model provider (gemini, openai)")
	f.String("llm-model", "gemini-1.5-pro", "Model name")
	f.String("llm-key", "", "API key (or set GEMINI_API_KEY / OPENAI_API_KEY)")
	f.String("llm-url", "", "Base URL for an OpenAI-compatible endpoint")
	f.Duration("llm-timeout", 2*time.Minute, "Timeout for a single model call")
	f.Int("max-retries", 2, "Retries for transient model failures")
	f.Duration("retry-base-delay", 500*time.Millisecond, "First retry delay")
	f.Duration("retry-max-delay", 10*time.Second, "Maximum retry delay")
	f.String("grading-policy", "standard", "Grading policy (strict, standard, lenient, keyword)")
	f.String("cache", "memory", "Stage cache (memory, sqlite, redis, none)")
	f.String("redis-url", "", "Redis URL for --cache redis")
	f.Duration("cache-ttl", 24*time.Hour, "Expiry of Redis cache entries (0 = never)")
	f.String("db", defaultDB, "SQLite database path for runs, artifacts and --cache sqlite")
	f.String("nats-url", "", "NATS server URL for run events")
	f.String("nats-subject", "autograder.runs", "NATS subject prefix for run events")
	f.StringP("lang", "l", "en", "Message language (en, ru)")
	addLogFlags(f)
}

func addLogFlags(f *pflag.FlagSet) {
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
}

func gradeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "grade",
		Short: "Grade one student submission",
		RunE:  runGrade,
	}
	f := cmd.Flags()
	f.String("question", "", "Question paper file (required)")
	f.String("faculty", "", "Faculty solution file (required)")
	f.String("student", "", "Student submission file (required)")
	f.String("student-name", "", "Student name for the report card")
	f.StringP("out", "o", "outputs", "Directory for stage artifacts")
	addPipelineFlags(f, "")
	_ = cmd.MarkFlagRequired("question")
	_ = cmd.MarkFlagRequired("faculty")
	_ = cmd.MarkFlagRequired("student")
	return cmd
}

func batchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Grade many submissions against one question paper",
		RunE:  runBatch,
	}
	f := cmd.Flags()
	f.String("question", "", "Question paper file (required)")
	f.String("faculty", "", "Faculty solution file (required)")
	f.StringSlice("students", nil, "Student submission files (required, repeatable)")
	f.IntP("workers", "w", 4, "Submissions graded concurrently")
	f.StringP("out", "o", "outputs", "Directory for reports and stage artifacts")
	addPipelineFlags(f, "")
	_ = cmd.MarkFlagRequired("question")
	_ = cmd.MarkFlagRequired("faculty")
	_ = cmd.MarkFlagRequired("students")
	return cmd
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP grading API",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.String("api-token-hash", "", "bcrypt hash of the API bearer token (empty = no auth)")
	f.Int64("max-upload-mb", 32, "Maximum upload size in MiB")
	addPipelineFlags(f, "autograder.db")
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export stored report cards as JSON",
		RunE:  runExport,
	}
	f := cmd.Flags()
	f.String("db", "autograder.db", "SQLite database path")
	f.String("exam-id", "", "Exam identifier for output (required)")
	f.String("subject", "", "Subject name for output (required)")
	f.String("date", "", "Exam date in YYYY-MM-DD format (required)")
	f.String("grading-policy", "", "Grading policy included in export metadata")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	addLogFlags(f)

	_ = cmd.MarkFlagRequired("exam-id")
	_ = cmd.MarkFlagRequired("subject")
	_ = cmd.MarkFlagRequired("date")
	return cmd
}

func hashTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-token <token>",
		Short: "Print a bcrypt hash for --api-token-hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := handler.HashToken(args[0])
			if err != nil {
				return fmt.Errorf("hash token: %w", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), hash)
			return err
		},
	}
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func setupLogging(v *viper.Viper) {
	handlerOpts := &slog.HandlerOptions{Level: parseLevel(v.GetString("log-level"))}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("AUTOGRADER")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("autograder")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/autograder")
	v.AddConfigPath("/etc/autograder")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Info("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

func runGrade(cmd *cobra.Command, _ []string) error {
	v := viperForCmd(cmd)
	setupLogging(v)
	ctx, stop := signalContext(cmd)
	defer stop()

	a, err := newApp(ctx, v, false)
	if err != nil {
		return err
	}
	defer a.Close()

	in, err := loadRunInput(v)
	if err != nil {
		return err
	}

	report, err := a.pipeline.Run(ctx, in)
	if err != nil {
		return err
	}
	slog.Info("graded", "student", report.StudentName, "summary", pipeline.Describe(report))
	return writeJSONTo(cmd.OutOrStdout(), report)
}

func loadRunInput(v *viper.Viper) (pipeline.RunInput, error) {
	var docs [3]model.Document
	for i, key := range []string{"question", "faculty", "student"} {
		d, err := model.LoadDocument(v.GetString(key))
		if err != nil {
			return pipeline.RunInput{}, fmt.Errorf("load %s: %w", key, err)
		}
		docs[i] = d
	}
	return pipeline.RunInput{
		QuestionPaper:     docs[0],
		FacultySolution:   docs[1],
		StudentSubmission: docs[2],
		StudentName:       v.GetString("student-name"),
	}, nil
}

func runBatch(cmd *cobra.Command, _ []string) error {
	v := viperForCmd(cmd)
	setupLogging(v)
	ctx, stop := signalContext(cmd)
	defer stop()

	a, err := newApp(ctx, v, true)
	if err != nil {
		return err
	}
	defer a.Close()

	in, err := loadBatchInput(v)
	if err != nil {
		return err
	}

	results := a.pipeline.RunBatch(ctx, in, a.settings.Workers)

	out := a.settings.Out
	if err := os.MkdirAll(out, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	for _, r := range results {
		if r.Err != nil {
			slog.Error("submission failed", "student", r.StudentName, "run_id", r.RunID, "error", r.Err)
			continue
		}
		path := filepath.Join(out, resultFileName(r.StudentName))
		data, err := json.MarshalIndent(r.Report, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal report for %s: %w", r.StudentName, err)
		}
		if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%-24s %s\n", r.StudentName, pipeline.Describe(r.Report))
	}

	failed := pipeline.Failed(results)
	lctx := appI18n.WithLocalizer(ctx, appI18n.NewLocalizer(a.settings.Lang))
	fmt.Fprintln(cmd.OutOrStdout(), appI18n.Tp(lctx, "BatchSummary", len(results)-failed))
	if failed > 0 {
		fmt.Fprintln(cmd.OutOrStdout(), appI18n.Tp(lctx, "BatchFailures", failed))
		return fmt.Errorf("%d of %d submissions failed", failed, len(results))
	}
	return nil
}

func loadBatchInput(v *viper.Viper) (pipeline.BatchInput, error) {
	paper, err := model.LoadDocument(v.GetString("question"))
	if err != nil {
		return pipeline.BatchInput{}, fmt.Errorf("load question: %w", err)
	}
	solution, err := model.LoadDocument(v.GetString("faculty"))
	if err != nil {
		return pipeline.BatchInput{}, fmt.Errorf("load faculty: %w", err)
	}
	in := pipeline.BatchInput{QuestionPaper: paper, FacultySolution: solution}
	paths := v.GetStringSlice("students")
	names := studentNames(paths)
	for i, path := range paths {
		d, err := model.LoadDocument(path)
		if err != nil {
			return pipeline.BatchInput{}, fmt.Errorf("load student: %w", err)
		}
		in.Students = append(in.Students, pipeline.StudentInput{Name: names[i], Submission: d})
	}
	return in, nil
}

// studentNames derives one name per submission path. Repeated names get a
// numeric suffix so result files never collide.
func studentNames(paths []string) []string {
	names := make([]string, len(paths))
	taken := make(map[string]bool, len(paths))
	for i, path := range paths {
		base := studentName(path)
		name := base
		for n := 2; taken[resultFileName(name)]; n++ {
			name = fmt.Sprintf("%s_%d", base, n)
		}
		taken[resultFileName(name)] = true
		names[i] = name
	}
	return names
}

// studentName derives a student name from a submission file name.
func studentName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func resultFileName(student string) string {
	name := strings.Trim(unsafeNameChars.ReplaceAllString(student, "_"), "_")
	if name == "" {
		name = "student"
	}
	return "result_" + name + ".json"
}

func runServe(cmd *cobra.Command, _ []string) error {
	v := viperForCmd(cmd)
	setupLogging(v)
	ctx, stop := signalContext(cmd)
	defer stop()

	a, err := newApp(ctx, v, true)
	if err != nil {
		return err
	}
	defer a.Close()
	if a.store == nil {
		return errors.New("serve needs --db")
	}

	h := handler.New(a.store, a.pipeline, handler.Config{
		TokenHash: v.GetString("api-token-hash"),
		MaxUpload: v.GetInt64("max-upload-mb") << 20,
		Gatherer:  a.registry,
	})

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(appI18n.Middleware(a.settings.Lang))
	h.Routes(r)

	addr := v.GetString("addr")
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("starting server",
		"addr", addr,
		"provider", a.settings.LLMProvider,
		"model", a.settings.LLMModel,
		"grading_policy", a.settings.GradingPolicy,
		"cache", a.settings.Cache,
		"lang", a.settings.Lang,
		"auth", v.GetString("api-token-hash") != "",
	)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func runExport(cmd *cobra.Command, _ []string) error {
	v := viperForCmd(cmd)
	setupLogging(v)
	ctx := cmd.Context()

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	err = db.SetExamInfo(ctx, model.ExamInfo{
		ExamID:        v.GetString("exam-id"),
		Subject:       v.GetString("subject"),
		Date:          v.GetString("date"),
		GradingPolicy: v.GetString("grading-policy"),
	})
	if err != nil {
		return fmt.Errorf("save exam info: %w", err)
	}

	export, err := db.ExportReports(ctx)
	if err != nil {
		return fmt.Errorf("export reports: %w", err)
	}

	outPath := v.GetString("output")
	var w io.Writer
	if outPath == "" || outPath == "-" {
		w = cmd.OutOrStdout()
	} else {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}
	return writeJSONTo(w, export)
}

func writeJSONTo(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	// Ensure trailing newline.
	_, _ = fmt.Fprintln(w)
	return nil
}
