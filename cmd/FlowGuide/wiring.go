package main

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/BTreeMap/FlowGuide/internal/config"
	"github.com/BTreeMap/FlowGuide/internal/flow"
	"github.com/BTreeMap/FlowGuide/internal/genai"
	"github.com/BTreeMap/FlowGuide/internal/lockfile"
	"github.com/BTreeMap/FlowGuide/internal/personalization"
	"github.com/BTreeMap/FlowGuide/internal/registry"
	"github.com/BTreeMap/FlowGuide/internal/retrieval"
	"github.com/BTreeMap/FlowGuide/internal/router"
	"github.com/BTreeMap/FlowGuide/internal/signals"
	"github.com/BTreeMap/FlowGuide/internal/store"
)

// app holds the wired components shared by every command.
type app struct {
	cfg    config.Config
	store  store.Store
	engine *flow.Engine
	lock   *lockfile.Lock
}

// buildApp opens storage and wires the engine. command is recorded in the
// state directory lock when the store is a local SQLite file.
func buildApp(cfg config.Config, command string) (*app, error) {
	a := &app{cfg: cfg}
	if err := a.wire(command); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(command string) error {
	cfg := a.cfg
	var err error
	if usesLocalFile(cfg.DatabaseURL) {
		if a.lock, err = lockfile.AcquireLock(filepath.Dir(cfg.DatabaseURL), command); err != nil {
			return err
		}
	}
	if a.store, err = store.Open(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}

	reg, err := loadRegistry(cfg)
	if err != nil {
		return err
	}
	rt, err := buildRouter(cfg.Clinical)
	if err != nil {
		return err
	}
	idx, err := loadKnowledge(cfg)
	if err != nil {
		return err
	}
	ext, err := buildExtractor(cfg)
	if err != nil {
		return err
	}

	a.engine = flow.NewEngine(reg, rt, ext, idx, personalization.NewService(a.store), a.store, buildEngineOptions(cfg)...)
	return nil
}

// Close drains the engine and releases storage and the lock.
func (a *app) Close() error {
	var errs []error
	if a.engine != nil {
		a.engine.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	if a.lock != nil {
		if err := a.lock.Release(); err != nil {
			errs = append(errs, fmt.Errorf("release lock: %w", err))
		}
	}
	return errors.Join(errs...)
}

// usesLocalFile reports whether dsn names a SQLite database file.
func usesLocalFile(dsn string) bool {
	return dsn != store.MemoryDSN && store.DetectDSNType(dsn) == "sqlite3"
}

func loadRegistry(cfg config.Config) (*registry.Registry, error) {
	var (
		reg *registry.Registry
		err error
	)
	if cfg.FlowsFile != "" {
		reg, err = registry.LoadFile(cfg.FlowsFile)
	} else {
		reg, err = registry.Default()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load flows: %w", err)
	}
	if missing := reg.Missing(); len(missing) > 0 {
		slog.Warn("Scenarios without a flow will use the fallback flow", "scenarios", missing, "fallback", reg.Fallback().ID)
	}
	return reg, nil
}

func buildRouter(c config.Clinical) (*router.Router, error) {
	rcfg, err := router.NewConfig(c.HighIntentThreshold, c.ConfidenceFloor, c.AcuteDistressThreshold, c.AcuteDistress, c.IntentAliases)
	if err != nil {
		return nil, fmt.Errorf("invalid routing parameters: %w", err)
	}
	return router.New(rcfg)
}

func loadKnowledge(cfg config.Config) (*retrieval.Index, error) {
	if cfg.KnowledgeFile == "" {
		return retrieval.Default()
	}
	idx, err := retrieval.LoadFile(cfg.KnowledgeFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load knowledge base: %w", err)
	}
	return idx, nil
}

// buildExtractor uses the OpenAI classifier when a key is configured and the
// keyword classifiers otherwise. Intent always passes through the crisis guard.
func buildExtractor(cfg config.Config) (*signals.Extractor, error) {
	var (
		emotion signals.EmotionClassifier = signals.NewKeywordEmotionClassifier()
		intent  signals.IntentClassifier  = signals.NewKeywordIntentClassifier()
	)
	if cfg.OpenAIKey != "" {
		client, err := genai.NewClient(buildGenAIOptions(cfg)...)
		if err != nil {
			return nil, fmt.Errorf("failed to create OpenAI client: %w", err)
		}
		oc := signals.NewOpenAIClassifier(client)
		emotion, intent = oc, oc
		slog.Info("Using OpenAI signal classifiers", "model", client.Model())
	} else {
		slog.Info("No OpenAI key set, using keyword signal classifiers")
	}
	guarded := signals.NewCrisisGuard(intent, cfg.Clinical.CrisisHighConfidence, cfg.Clinical.CrisisMediumConfidence)
	return signals.NewExtractor(emotion, guarded, cfg.SignalTimeout), nil
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(cfg config.Config) []genai.Option {
	var genaiOpts []genai.Option
	if cfg.OpenAIKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(cfg.OpenAIKey))
	}
	if cfg.OpenAIModel != "" {
		genaiOpts = append(genaiOpts, genai.WithModel(cfg.OpenAIModel))
	}
	return genaiOpts
}

// buildEngineOptions constructs engine configuration options
func buildEngineOptions(cfg config.Config) []flow.Option {
	opts := []flow.Option{
		flow.WithRetrievalTimeout(cfg.RetrievalTimeout),
		flow.WithProfileTimeout(cfg.ProfileTimeout),
		flow.WithRecordTimeout(cfg.RecordTimeout),
		flow.WithHistoryLimit(cfg.HistoryLimit),
		flow.WithRetrievalTopK(cfg.RetrievalTopK),
		flow.WithMaxStackDepth(cfg.MaxStackDepth),
	}
	if len(cfg.Clinical.StopPhrases) > 0 {
		opts = append(opts, flow.WithStopPhrases(cfg.Clinical.StopPhrases))
	}
	return opts
}
