// Package main is the kotae CLI entry point.
package main

import (
	"context"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kotae-ai/kotae/internal/cli"
	"github.com/kotae-ai/kotae/internal/config"
	"github.com/kotae-ai/kotae/internal/embedding"
	"github.com/kotae-ai/kotae/internal/extract"
	"github.com/kotae-ai/kotae/internal/llm"
	"github.com/kotae-ai/kotae/internal/models"
	"github.com/kotae-ai/kotae/internal/rag"
	"github.com/kotae-ai/kotae/internal/server"
	"github.com/kotae-ai/kotae/internal/store"
	"github.com/kotae-ai/kotae/internal/watcher"
	"github.com/kotae-ai/kotae/pkg/utils"
)

var version = "dev"

const defaultConfigPath = "/usr/local/etc/kotae/config.yaml"

// loadConfig loads config from path. When path is the default, it first looks
// for config.yaml in the current directory (for development); if that exists
// it is used. Missing files fall back to built-in defaults.
func loadConfig(path string) (*config.Config, string, error) {
	if path == defaultConfigPath {
		if cwd, cwdErr := os.Getwd(); cwdErr == nil {
			fallback := filepath.Join(cwd, "config.yaml")
			if _, statErr := os.Stat(fallback); statErr == nil {
				cfg, loadErr := config.Load(fallback)
				if loadErr != nil {
					return nil, "", loadErr
				}
				return cfg, fallback, nil
			}
		}
		if _, statErr := os.Stat(path); statErr != nil {
			return config.Default(), "", nil
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	command := os.Args[1]
	switch command {
	case "serve":
		runServe()
	case "chat":
		runChat()
	case "build":
		runBuild()
	case "list":
		runList()
	case "delete":
		runDelete()
	case "models":
		runModels()
	case "version", "--version", "-v":
		fmt.Printf("kotae version %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

// Components holds initialized services shared by the subcommands.
type Components struct {
	Store    *store.Store
	Embedder embedding.Embedder
	Client   llm.Client
	Extract  *extract.Extractor
}

func (c *Components) Close() {
	if c.Store != nil {
		_ = c.Store.Close()
	}
	if c.Embedder != nil {
		_ = c.Embedder.Close()
	}
}

func initializeComponents(cfg *config.Config) (*Components, error) {
	st, err := store.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	timeout := time.Duration(cfg.Inference.TimeoutSecs) * time.Second
	return &Components{
		Store: st,
		Embedder: embedding.NewOllamaEmbedder(
			cfg.Inference.BaseURL,
			cfg.Inference.EmbeddingModel,
			timeout,
			cfg.RAG.EmbedCacheSize,
		),
		Client:  llm.NewOllama(cfg.Inference.BaseURL, cfg.Inference.Model, timeout),
		Extract: extract.NewExtractor(),
	}, nil
}

func setup(configPath string, debugFlag bool) (*config.Config, *Components, *zap.Logger) {
	cfg, resolved, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger, err := utils.NewLogger(cfg.Debug || debugFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	if resolved != "" {
		logger.Debug("config loaded", zap.String("config_path", resolved))
	}
	components, err := initializeComponents(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize: %v\n", err)
		os.Exit(1)
	}
	return cfg, components, logger
}

func runServe() {
	fsFlags := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fsFlags.String("config", defaultConfigPath, "config file path")
	host := fsFlags.String("host", "", "listen host (overrides config)")
	port := fsFlags.Int("port", 0, "listen port (overrides config)")
	debug := fsFlags.Bool("debug", false, "enable debug logging")
	_ = fsFlags.Parse(os.Args[2:])

	cfg, components, logger := setup(*configPath, *debug)
	defer logger.Sync()
	defer components.Close()
	applyServeOverrides(cfg, *host, *port)

	watchCtx, watchCancel := context.WithCancel(context.Background())
	defer watchCancel()
	if cfg.Watch.Enabled {
		opts := []watcher.Option{
			watcher.WithLogger(logger),
			watcher.WithDebounce(time.Duration(cfg.Watch.DebounceMS) * time.Millisecond),
		}
		w := watcher.New(cfg.Storage.UploadDir, func(kb, path string) {
			if err := rebuildKnowledgeBase(context.Background(), cfg, components, logger, kb); err != nil {
				logger.Warn("rebuild after upload change failed",
					zap.String("knowledge_base", kb), zap.String("path", path), zap.Error(err))
			}
		}, opts...)
		if err := w.Start(watchCtx); err != nil {
			logger.Fatal("Failed to start watcher", zap.Error(err))
		}
		defer w.Stop()
	}

	srv := server.NewServer(components.Store, components.Embedder, components.Extract,
		components.Client, cfg, logger)
	go func() {
		if err := srv.Start(); err != nil {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down...")
	watchCancel()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Stop(ctx)
}

// applyServeOverrides applies command-line listen overrides to cfg.
func applyServeOverrides(cfg *config.Config, host string, port int) {
	if host != "" {
		cfg.Server.Host = host
	}
	if port != 0 {
		cfg.Server.Port = port
	}
}

// rebuildKnowledgeBase reconstructs a knowledge base from every supported
// file currently under its upload directory.
func rebuildKnowledgeBase(ctx context.Context, cfg *config.Config, components *Components, logger *zap.Logger, kb string) error {
	files, err := uploadedFiles(filepath.Join(cfg.Storage.UploadDir, kb))
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no supported files for knowledge base %q", kb)
	}
	o := rag.New(components.Store, components.Embedder, components.Extract,
		components.Client, &cfg.RAG, rag.WithLogger(logger))
	if _, err := o.Build(ctx, files[0], kb); err != nil {
		return err
	}
	for _, path := range files[1:] {
		if err := o.Add(ctx, path); err != nil {
			return err
		}
	}
	return nil
}

// uploadedFiles returns the supported documents under dir, sorted by name so
// rebuilds are deterministic.
func uploadedFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if _, kerr := models.KindForPath(path); kerr == nil {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

func runChat() {
	fsFlags := flag.NewFlagSet("chat", flag.ExitOnError)
	configPath := fsFlags.String("config", defaultConfigPath, "config file path")
	file := fsFlags.String("file", "", "build a knowledge base from this document before chatting")
	name := fsFlags.String("kb", "", "knowledge base to chat with (default: derived from --file)")
	model := fsFlags.String("model", "", "generation model (default from config)")
	stream := fsFlags.Bool("stream", true, "stream answers token by token")
	debug := fsFlags.Bool("debug", false, "enable debug logging")
	_ = fsFlags.Parse(os.Args[2:])

	if *file == "" && *name == "" {
		fmt.Println("Usage: kotae chat (--file <document> | --kb <name>) [flags]")
		os.Exit(1)
	}

	cfg, components, logger := setup(*configPath, *debug)
	defer logger.Sync()
	defer components.Close()

	genModel := *model
	if genModel == "" {
		genModel = cfg.Inference.Model
	}
	orch := rag.New(components.Store, components.Embedder, components.Extract,
		components.Client, &cfg.RAG, rag.WithModel(genModel), rag.WithLogger(logger))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if *file != "" {
		fmt.Printf("Building knowledge base from %s...\n", *file)
		built, err := orch.Build(ctx, *file, *name)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Build failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Knowledge base %q ready.\n", built)
	} else if err := orch.Load(ctx, *name); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load knowledge base: %v\n", err)
		os.Exit(1)
	}

	if err := cli.Chat(ctx, orch, os.Stdin, os.Stdout, *stream); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "Chat failed: %v\n", err)
		os.Exit(1)
	}
}

func runBuild() {
	fsFlags := flag.NewFlagSet("build", flag.ExitOnError)
	configPath := fsFlags.String("config", defaultConfigPath, "config file path")
	name := fsFlags.String("name", "", "knowledge base name (default: first file's base name)")
	debug := fsFlags.Bool("debug", false, "enable debug logging")
	_ = fsFlags.Parse(os.Args[2:])

	if fsFlags.NArg() < 1 {
		fmt.Println("Usage: kotae build [flags] <file> [file...]")
		os.Exit(1)
	}
	files := fsFlags.Args()

	cfg, components, logger := setup(*configPath, *debug)
	defer logger.Sync()
	defer components.Close()

	orch := rag.New(components.Store, components.Embedder, components.Extract,
		components.Client, &cfg.RAG, rag.WithLogger(logger))
	ctx := context.Background()

	built, err := orch.Build(ctx, files[0], *name)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Build failed: %v\n", err)
		os.Exit(1)
	}
	for _, path := range files[1:] {
		if err := orch.Add(ctx, path); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to add %s: %v\n", path, err)
			os.Exit(1)
		}
	}
	count, err := components.Store.Count(ctx, built)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to count segments: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Knowledge base %q built: %d file(s), %d segment(s)\n", built, len(files), count)
}

func runList() {
	fsFlags := flag.NewFlagSet("list", flag.ExitOnError)
	configPath := fsFlags.String("config", defaultConfigPath, "config file path")
	outputFormat := fsFlags.String("output", "text", "output format: text or json")
	_ = fsFlags.Parse(os.Args[2:])

	_, components, logger := setup(*configPath, false)
	defer logger.Sync()
	defer components.Close()

	infos, err := components.Store.List(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "List failed: %v\n", err)
		os.Exit(1)
	}
	if err := cli.WriteKnowledgeBases(os.Stdout, infos, cli.OutputFormat(*outputFormat)); err != nil {
		fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
		os.Exit(1)
	}
}

func runDelete() {
	fsFlags := flag.NewFlagSet("delete", flag.ExitOnError)
	configPath := fsFlags.String("config", defaultConfigPath, "config file path")
	_ = fsFlags.Parse(os.Args[2:])

	if fsFlags.NArg() < 1 {
		fmt.Println("Usage: kotae delete [flags] <knowledge-base>")
		os.Exit(1)
	}
	name := fsFlags.Arg(0)

	_, components, logger := setup(*configPath, false)
	defer logger.Sync()
	defer components.Close()

	if err := components.Store.Delete(context.Background(), name); err != nil {
		fmt.Fprintf(os.Stderr, "Deletion failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Knowledge base deleted: %s\n", name)
}

func runModels() {
	fsFlags := flag.NewFlagSet("models", flag.ExitOnError)
	configPath := fsFlags.String("config", defaultConfigPath, "config file path")
	outputFormat := fsFlags.String("output", "text", "output format: text or json")
	_ = fsFlags.Parse(os.Args[2:])

	_, components, logger := setup(*configPath, false)
	defer logger.Sync()
	defer components.Close()

	infos, err := components.Client.ListModels(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to list models: %v\n", err)
		os.Exit(1)
	}
	if err := cli.WriteModels(os.Stdout, infos, cli.OutputFormat(*outputFormat)); err != nil {
		fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`kotae - chat with your documents over a local model

Usage:
  kotae chat [flags]              Chat with a knowledge base in the terminal
  kotae serve [flags]             Start the HTTP server (web front end)
  kotae build [flags] <file>...   Build a knowledge base from documents
  kotae list [flags]              List knowledge bases
  kotae delete [flags] <name>     Delete a knowledge base
  kotae models [flags]            List models on the inference server
  kotae version                   Show version
  kotae help                      Show this help

Chat Flags:
  --file string      Document to build a knowledge base from before chatting
  --kb string        Existing knowledge base to chat with
  --model string     Generation model (default from config)
  --stream           Stream answers token by token (default: true)
  --config string    Config file path (default: /usr/local/etc/kotae/config.yaml)
  --debug            Enable debug logging

Serve Flags:
  --config string    Config file path
  --host string      Listen host (overrides config)
  --port int         Listen port (overrides config)
  --debug            Enable debug logging

Build Flags:
  --name string      Knowledge base name (default: first file's base name)
  --config string    Config file path

Examples:
  kotae chat --file handbook.pdf
  kotae chat --kb handbook --model mistral
  kotae build --name handbook intro.md pricing.txt
  kotae list
  kotae serve --debug`)
}
