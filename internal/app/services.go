package app

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/erg0nix/ctxbudget/internal/config"
	"github.com/erg0nix/ctxbudget/internal/controller"
	"github.com/erg0nix/ctxbudget/internal/ledger"
	"github.com/erg0nix/ctxbudget/internal/memory"
	"github.com/erg0nix/ctxbudget/internal/provider"
	"github.com/erg0nix/ctxbudget/internal/tokens"
)

// Services holds the long-lived components behind the daemon.
type Services struct {
	Provider   *provider.OpenAIProvider
	Controller *controller.Controller
	Vectors    *memory.VectorStore
}

// NewServices wires the provider, persistence and memory into a controller.
// A memory store that fails to open disables memory instead of failing startup.
func NewServices(cfg config.Config, logger *slog.Logger) Services {
	llm := provider.FromConfig(cfg, logger)
	estimator := tokens.NewEstimator(llm, cfg.Budget.RoleOverheadTokens, logger)

	deps := controller.Dependencies{
		Tokens:    estimator,
		Sizer:     llm,
		Ledgers:   ledger.NewFileStore(cfg.DataDir),
		Journal:   ledger.NewJournal(cfg.DataDir),
		Histories: controller.FileHistories(filepath.Join(cfg.DataDir, "conversations")),
	}

	if cfg.Summary.AutoSummarize {
		deps.Generator = llm
		deps.Profiles = llm
	}

	services := Services{Provider: llm}

	if cfg.Memory.Enabled {
		vectors, err := openMemory(cfg)
		if err != nil {
			logger.Warn("memory disabled", "error", err)
		} else {
			services.Vectors = vectors
			embedder := memory.NewHTTPEmbedder(cfg.Memory.Embedding, logger)
			deps.Retriever = memory.NewRetriever(embedder, vectors, estimator, cfg.Memory, cfg.Budget.MinMessagesToKeep, logger)
		}
	}

	services.Controller = controller.New(cfg, deps, logger)
	return services
}

func openMemory(cfg config.Config) (*memory.VectorStore, error) {
	vectors, err := memory.OpenVectorStore(cfg.Memory.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open memory store %s: %w", cfg.Memory.DatabasePath, err)
	}
	return vectors, nil
}

// Close flushes conversation state and releases the memory database.
func (s Services) Close() error {
	err := s.Controller.Close()
	if s.Vectors != nil {
		if closeErr := s.Vectors.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}
	return err
}
