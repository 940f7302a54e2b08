package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/ChamsBouzaiene/pdn/internal/config"
	"github.com/ChamsBouzaiene/pdn/internal/metrics"
	"github.com/ChamsBouzaiene/pdn/internal/orchestrator"
	"github.com/ChamsBouzaiene/pdn/internal/prompts"
	"github.com/ChamsBouzaiene/pdn/internal/providers"
	"github.com/ChamsBouzaiene/pdn/internal/retrieval"
	"github.com/ChamsBouzaiene/pdn/internal/session"
	"github.com/ChamsBouzaiene/pdn/internal/stages"
)

// runtimeEnv owns everything a chat needs and releases it in Close.
type runtimeEnv struct {
	Config       *config.Config
	Chatbot      config.Chatbot
	Registry     *stages.Registry
	Store        *session.Store
	Persister    *session.Persister
	Orchestrator *orchestrator.Orchestrator

	closers []func() error
	cancel  context.CancelFunc
	log     *zap.Logger
}

func (r *runtimeEnv) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	// Release in reverse order of acquisition.
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			r.log.Warn("shutdown step failed", zap.Error(err))
		}
	}
}

func (r *runtimeEnv) onClose(fn func() error) {
	r.closers = append(r.closers, fn)
}

// openBlobStore opens the snapshot backend named by cfg.
func openBlobStore(ctx context.Context, cfg *config.Config) (session.BlobStore, func() error, error) {
	switch cfg.Storage.Backend {
	case config.BackendSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.Storage.SQLitePath), 0755); err != nil {
			return nil, nil, fmt.Errorf("failed to create sqlite dir: %w", err)
		}
		store, err := session.NewSQLiteBlobStore(ctx, cfg.Storage.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	case config.BackendMemory:
		return session.NewMemoryBlobStore(), func() error { return nil }, nil
	default:
		if err := os.MkdirAll(cfg.Storage.ResultsDir, 0755); err != nil {
			return nil, nil, fmt.Errorf("failed to create results dir: %w", err)
		}
		return session.NewFileBlobStore(cfg.Storage.ResultsDir), func() error { return nil }, nil
	}
}

// prepareRuntimeEnv wires the engine from configuration.
func prepareRuntimeEnv(ctx context.Context, cfg *config.Config, recorder metrics.Recorder, log *zap.Logger) (*runtimeEnv, error) {
	env := &runtimeEnv{Config: cfg, Registry: stages.Default(), log: log}
	ok := false
	defer func() {
		if !ok {
			env.Close()
		}
	}()

	bot, err := config.LoadChatbot(cfg.Chatbot.Path, cfg.Chatbot.Name)
	if err != nil {
		return nil, err
	}
	env.Chatbot = bot

	templates, err := openTemplates(cfg, env, log)
	if err != nil {
		return nil, err
	}

	assemblerOpts := []prompts.AssemblerOption{
		prompts.WithChatbotName(bot.Name),
		prompts.WithLogger(log),
	}
	if cfg.RAG.File != "" {
		retriever, err := openRetriever(ctx, cfg, log)
		if err != nil {
			// Prompts still work without reference text.
			log.Warn("reference document unavailable", zap.String("path", cfg.RAG.File), zap.Error(err))
		} else {
			env.onClose(retriever.Close)
			assemblerOpts = append(assemblerOpts, prompts.WithRetriever(retriever))
		}
	}
	assembler := prompts.NewAssembler(env.Registry, templates, assemblerOpts...)

	blobs, closeBlobs, err := openBlobStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	env.onClose(closeBlobs)

	env.Persister = session.NewPersister(blobs, env.Registry,
		session.WithWorkers(cfg.Storage.Workers),
		session.WithBackendName(cfg.Storage.Backend),
		session.WithPersisterLogger(log),
		session.WithPersisterRecorder(recorder),
	)
	env.onClose(env.Persister.Close)

	env.Store = session.NewStore(env.Registry,
		session.WithPersister(env.Persister),
		session.WithCapacity(cfg.Sessions.MaxSessions),
		session.WithIdleTTL(cfg.Sessions.IdleTTL),
		session.WithStoreLogger(log),
		session.WithStoreRecorder(recorder),
	)
	var janitorCtx context.Context
	janitorCtx, env.cancel = context.WithCancel(ctx)
	env.Store.StartJanitor(janitorCtx, time.Minute)

	llm, model, err := providers.NewLLMClient(cfg.Provider)
	if err != nil {
		return nil, err
	}
	log.Info("model provider ready", zap.String("provider", cfg.Provider.Name), zap.String("model", model))

	env.Orchestrator, err = orchestrator.New(orchestrator.Options{
		Registry:        env.Registry,
		Store:           env.Store,
		Persister:       env.Persister,
		Assembler:       assembler,
		LLM:             providers.NewInstrumented(llm, recorder, log),
		Model:           model,
		Temperature:     float32(cfg.Temperature),
		MaxOutputTokens: cfg.MaxOutputTokens,
		ProviderTimeout: cfg.ProviderTimeout,
		Recorder:        recorder,
		Logger:          log,
	})
	if err != nil {
		return nil, err
	}

	ok = true
	return env, nil
}

// openTemplates layers an optional watched directory over the built-in templates.
func openTemplates(cfg *config.Config, env *runtimeEnv, log *zap.Logger) (prompts.TemplateStore, error) {
	builtin := prompts.NewRegistryTemplateStore(nil)
	if cfg.PromptsDir == "" {
		return builtin, nil
	}
	dir := prompts.NewDirTemplateStore(cfg.PromptsDir, log)
	if err := dir.Watch(); err != nil {
		log.Warn("template hot reload disabled", zap.Error(err))
	} else {
		env.onClose(dir.Close)
	}
	return prompts.ChainTemplateStore{dir, builtin}, nil
}

func openRetriever(ctx context.Context, cfg *config.Config, log *zap.Logger) (*retrieval.DocumentRetriever, error) {
	index, err := retrieval.NewBM25Index("", log)
	if err != nil {
		return nil, err
	}
	retriever := retrieval.NewDocumentRetriever(index, retrieval.NewChunker(cfg.RAG.ChunkSize, cfg.RAG.ChunkOverlap), log)
	if err := retriever.LoadFile(ctx, cfg.RAG.File, cfg.RAG.MaxSize); err != nil {
		_ = retriever.Close()
		return nil, err
	}
	return retriever, nil
}
