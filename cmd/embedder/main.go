// Command embedder is the CLI entrypoint over C1-C11: embed/update/watch a
// source corpus, search/chat against it, and serve it over HTTP (§4 of
// SPEC_FULL.md), grounded on the teacher's cmd/helixagent/main.go flag and
// godotenv wiring.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/vasic-digital/embedder/internal/assembler"
	"github.com/vasic-digital/embedder/internal/chunker"
	"github.com/vasic-digital/embedder/internal/completion"
	"github.com/vasic-digital/embedder/internal/config"
	"github.com/vasic-digital/embedder/internal/embedclient"
	"github.com/vasic-digital/embedder/internal/httpapi"
	"github.com/vasic-digital/embedder/internal/ingest"
	"github.com/vasic-digital/embedder/internal/lifecycle"
	"github.com/vasic-digital/embedder/internal/middleware"
	"github.com/vasic-digital/embedder/internal/model"
	"github.com/vasic-digital/embedder/internal/observability/metrics"
	"github.com/vasic-digital/embedder/internal/registry"
	"github.com/vasic-digital/embedder/internal/source"
	"github.com/vasic-digital/embedder/internal/store"
	"github.com/vasic-digital/embedder/internal/tokenizer"
	"github.com/vasic-digital/embedder/internal/utils"
)

const version = "0.1.0"

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logrus.WithError(err).Debug("embedder: could not load .env file")
	}
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// run expects `embedder [global flags] <subcommand> [subcommand flags]`,
// mirroring the teacher's single flat flag.Parse() but splitting the
// global flags from each subcommand's own FlagSet.
func run(args []string) error {
	global := flag.NewFlagSet("embedder", flag.ContinueOnError)
	configPath := global.String("c", envOr("EMBEDDER_CONFIG", "embedder.config.json"), "path to configuration file")
	global.StringVar(configPath, "config", *configPath, "path to configuration file")
	showVersion := global.Bool("v", false, "show version information")
	global.BoolVar(showVersion, "version", *showVersion, "show version information")
	global.Bool("no-startup-tests", false, "skip provider connectivity checks at startup")

	if err := global.Parse(args); err != nil {
		return err
	}
	if *showVersion {
		fmt.Println("embedder", version)
		return nil
	}

	remaining := global.Args()
	if len(remaining) == 0 {
		global.Usage()
		return fmt.Errorf("no subcommand given")
	}
	sub, rest := remaining[0], remaining[1:]

	env, err := newEnvironment(*configPath)
	if err != nil && sub != "reset-password" && sub != "reset-password-interactive" {
		return err
	}

	switch sub {
	case "embed":
		fs := flag.NewFlagSet("embed", flag.ContinueOnError)
		force := fs.Bool("force", false, "skip confirmation (embed never prompts; already-tracked files are always skipped)")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		stats, err := env.ingest.Embed(*force)
		if err != nil {
			return err
		}
		fmt.Printf("embedded %d files, %d chunks, %d tokens\n", stats.FilesEmbedded, stats.ChunksAdded, stats.TokensEmbedded)
		return nil

	case "update":
		stats, err := env.ingest.Update()
		if err != nil {
			return err
		}
		fmt.Printf("new=%d modified=%d deleted=%d unchanged=%d\n", stats.New, stats.Modified, stats.Deleted, stats.Unchanged)
		return nil

	case "stats":
		report, err := env.ingest.Stats()
		if err != nil {
			return err
		}
		fmt.Printf("%d files, %d lines, %d bytes\n", report.TotalFiles, report.TotalLines, report.TotalSizeBytes)
		return nil

	case "compact":
		return env.ingest.Compact()

	case "search":
		fs := flag.NewFlagSet("search", flag.ContinueOnError)
		topK := fs.Int("top", 5, "number of results")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		if fs.NArg() == 0 {
			return fmt.Errorf("search requires a query argument")
		}
		query := fs.Arg(0)
		vectors, err := env.embed.Generate([]string{query}, model.Query)
		if err != nil {
			return err
		}
		results, err := env.store.Search(vectors[0], *topK)
		if err != nil {
			return err
		}
		for _, r := range results {
			fmt.Printf("%.4f  %s\n", r.Similarity, r.SourceID)
		}
		return nil

	case "clear":
		fs := flag.NewFlagSet("clear", flag.ContinueOnError)
		yes := fs.Bool("y", false, "skip confirmation")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		if !*yes && !confirm("this deletes every chunk and vector, continue?") {
			return nil
		}
		return env.store.Clear()

	case "serve":
		fs := flag.NewFlagSet("serve", flag.ContinueOnError)
		port := fs.Int("p", 8590, "port to bind")
		fs.IntVar(port, "port", *port, "port to bind")
		watch := fs.Bool("watch", false, "poll for source changes in the background")
		interval := fs.Int("interval", 60, "watch poll interval in seconds")
		appKey := fs.String("appkey", envOr("EMBEDDER_APP_KEY", ""), "shared key accepted by POST /api/shutdown")
		infoFile := fs.String("info-file", "", "write {port,pid,...} here once bound")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		if *appKey == "" {
			generated, err := utils.SecureRandomString(32)
			if err != nil {
				return fmt.Errorf("embedder: generate shutdown app key: %w", err)
			}
			*appKey = generated
			fmt.Printf("generated shutdown app key: %s\n", *appKey)
		}
		return env.serve(*port, *watch, *interval, *appKey, *infoFile, *configPath)

	case "chat":
		return env.chatREPL()

	case "providers":
		fs := flag.NewFlagSet("providers", flag.ContinueOnError)
		test := fs.String("test", "", "provider id to connectivity-test")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		for _, p := range env.cfg.Generation.APIs {
			marker := " "
			if p.ID == env.cfg.Generation.CurrentAPI {
				marker = "*"
			}
			fmt.Printf("%s %-20s %s\n", marker, p.ID, p.Model)
		}
		if *test != "" {
			fmt.Println("connectivity test not available without a running provider")
		}
		return nil

	case "reset-password":
		fs := flag.NewFlagSet("reset-password", flag.ContinueOnError)
		pass := fs.String("pass", "", "new admin password")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		if *pass == "" {
			return fmt.Errorf("reset-password requires --pass")
		}
		auth, err := middleware.NewAdminAuth(adminPasswordFile(), jwtSecretFile())
		if err != nil {
			return err
		}
		return auth.SetPassword(*pass)

	case "reset-password-interactive":
		reader := bufio.NewReader(os.Stdin)
		fmt.Print("new admin password: ")
		pass, _ := reader.ReadString('\n')
		auth, err := middleware.NewAdminAuth(adminPasswordFile(), jwtSecretFile())
		if err != nil {
			return err
		}
		return auth.SetPassword(trimNewline(pass))

	case "password-status":
		auth, err := middleware.NewAdminAuth(adminPasswordFile(), jwtSecretFile())
		if err != nil {
			return err
		}
		if auth.HasPassword() {
			fmt.Println("admin password is set")
		} else {
			fmt.Println("admin password is not set")
		}
		return nil

	case "validate-password":
		fs := flag.NewFlagSet("validate-password", flag.ContinueOnError)
		pass := fs.String("pass", "", "password to validate")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		auth, err := middleware.NewAdminAuth(adminPasswordFile(), jwtSecretFile())
		if err != nil {
			return err
		}
		if auth.VerifyPassword(*pass) {
			fmt.Println("valid")
			return nil
		}
		return fmt.Errorf("invalid password")

	default:
		return fmt.Errorf("unknown subcommand %q", sub)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func adminPasswordFile() string { return envOr("EMBEDDER_ADMIN_PASSWORD_FILE", ".admin_password") }
func jwtSecretFile() string     { return envOr("EMBEDDER_JWT_SECRET_FILE", ".jwt_secret") }

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

func confirm(prompt string) bool {
	fmt.Printf("%s [y/N] ", prompt)
	reader := bufio.NewReader(os.Stdin)
	line, _ := reader.ReadString('\n')
	line = trimNewline(line)
	return line == "y" || line == "Y"
}

// environment wires every component built against the loaded configuration;
// every subcommand (including serve) operates on the same instance.
type environment struct {
	cfg     *config.Config
	log     *logrus.Logger
	store   *store.Store
	src     *source.Processor
	chunker *chunker.Chunker
	tok     *tokenizer.Tokenizer
	embed   *embedclient.Client
	comp    *completion.Client
	asm     *assembler.Assembler
	ingest  *ingest.Engine
}

func newEnvironment(configPath string) (*environment, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log := logrus.New()
	if cfg.Logging.LogToFile && cfg.Logging.LoggingFile != "" {
		if f, ferr := os.OpenFile(cfg.Logging.LoggingFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644); ferr == nil {
			log.SetOutput(f)
		}
	}

	st, err := store.Open(cfg.Database, log)
	if err != nil {
		return nil, err
	}
	tok := tokenizer.New(64)
	ch := chunker.New(tok)
	src := source.New(cfg.Source, log)

	embedProvider, _ := cfg.Embedding.Current()
	embed := embedclient.New(embedProvider, cfg.Embedding.TimeoutMs)

	genProvider, _ := cfg.Generation.Current()
	comp := completion.New(genProvider, tok, cfg.Generation.TimeoutMs)

	asm := assembler.New(tok, ch, embed, st, src, cfg.Chunking, cfg.Generation, cfg.Embedding, genProvider)
	eng := ingest.New(cfg, src, ch, embed, st, log, configPath)

	return &environment{cfg: cfg, log: log, store: st, src: src, chunker: ch, tok: tok, embed: embed, comp: comp, asm: asm, ingest: eng}, nil
}

func (e *environment) serve(port int, watch bool, interval int, appKey, infoFile, configPath string) error {
	auth, err := middleware.NewAdminAuth(adminPasswordFile(), jwtSecretFile())
	if err != nil {
		return err
	}
	reg, err := registry.Open(registry.ResolvePath(), e.log)
	if err != nil {
		return err
	}
	defer reg.Close()

	sup := lifecycle.New(e.log, e.store, e.ingest, reg)
	srv := httpapi.New(httpapi.Deps{
		Config: e.cfg, ConfigPath: configPath, Log: e.log, Store: e.store, Ingest: e.ingest,
		Chunker: e.chunker, Tokenizer: e.tok, Embed: e.embed, Completion: e.comp, Assembler: e.asm,
		Registry: reg, Metrics: metrics.NewCollector(), Auth: auth, AppKey: appKey,
		ShutdownFunc: sup.Shutdown,
	})

	absConfig, _ := filepath.Abs(configPath)
	var watchPaths []string
	for _, d := range e.cfg.Source.Paths {
		if d.Kind == "directory" && d.Path != "" {
			watchPaths = append(watchPaths, d.Path)
		}
	}
	return sup.Serve(srv.Router(), lifecycle.Options{
		Port: port, Watch: watch, IntervalSeconds: interval, InfoFile: infoFile,
		ProjectID: e.cfg.Source.ProjectID, Name: e.cfg.Source.ProjectTitle, ConfigPath: absConfig,
		WatchPaths: watchPaths,
	})
}

func (e *environment) chatREPL() error {
	reader := bufio.NewReader(os.Stdin)
	var history []completion.Message
	for {
		fmt.Print("> ")
		line, err := reader.ReadString('\n')
		if err != nil {
			return nil
		}
		question := trimNewline(line)
		if question == "" {
			continue
		}
		history = append(history, completion.Message{Role: "user", Content: question})

		assembled, err := e.asm.Assemble(question, assembler.Options{})
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			continue
		}
		results := make([]model.SearchResult, len(assembled.Passages))
		for i, passage := range assembled.Passages {
			results[i] = model.SearchResult{Content: passage, SourceID: assembled.SourceIDs[i]}
		}

		reply, err := e.comp.Chat(history, results, e.cfg.Generation.DefaultTemperature, e.cfg.Generation.DefaultMaxTokens, func(delta string) {
			fmt.Print(delta)
		})
		fmt.Println()
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			continue
		}
		history = append(history, completion.Message{Role: "assistant", Content: reply})
	}
}
