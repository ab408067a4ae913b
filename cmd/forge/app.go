package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"forge/internal/chunking"
	"forge/internal/config"
	"forge/internal/embedding"
	"forge/internal/retrieval"
	"forge/internal/session"
	"forge/internal/store"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	headingStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	return cfg, nil
}

func openStore(cfg *config.Config) (*store.VectorStore, error) {
	path := filepath.Join(workspace, cfg.Store.Path)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}
	return store.NewVectorStore(path)
}

func openEmbedding(cfg *config.Config) (embedding.Engine, error) {
	return embedding.NewEngine(embedding.Config{
		Provider:       cfg.Embedding.Provider,
		OllamaEndpoint: cfg.Embedding.OllamaEndpoint,
		OllamaModel:    cfg.Embedding.OllamaModel,
		GenAIAPIKey:    cfg.Embedding.GenAIAPIKey,
		GenAIModel:     cfg.Embedding.GenAIModel,
		TaskType:       "SEMANTIC_SIMILARITY",
	})
}

func chunkOptions(cfg *config.Config) chunking.Options {
	return chunking.Options{
		MinTokens:       float64(cfg.Retrieval.MinChunkTokens),
		MaxTokens:       float64(cfg.Retrieval.MaxChunkTokens),
		ParentMaxTokens: float64(cfg.Retrieval.ParentMaxTokens),
	}
}

func runIngest(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	vs, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer vs.Close()

	engine, err := openEmbedding(cfg)
	if err != nil {
		return fmt.Errorf("embedding backend unavailable: %w", err)
	}
	batcher := embedding.NewBatcher(engine, cfg.Embedding.BatchSize, cfg.Embedding.MaxInFlight)
	ingestor := retrieval.NewIngestor(vs, batcher, chunkOptions(cfg))

	ctx := cmd.Context()
	failures := 0
	for _, path := range args {
		chunks, err := ingestor.IngestFile(ctx, path)
		if err != nil {
			var convErr *chunking.ConversionError
			if errors.As(err, &convErr) {
				// Unsupported format only skips this file.
				fmt.Println(warnStyle.Render(fmt.Sprintf("skipped %s: %v", path, err)))
				failures++
				continue
			}
			return fmt.Errorf("ingesting %s: %w", path, err)
		}
		logger.Info("ingested document", zap.String("path", path), zap.Int("chunks", chunks))
		fmt.Println(okStyle.Render(fmt.Sprintf("✓ %s (%d chunks)", path, chunks)))
	}
	if failures > 0 {
		return fmt.Errorf("%d of %d files could not be ingested", failures, len(args))
	}
	return nil
}

func runForget(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	vs, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer vs.Close()

	removed, err := vs.DeleteBySource(cmd.Context(), store.CollectionDocuments, args[0])
	if err != nil {
		return fmt.Errorf("removing %s: %w", args[0], err)
	}
	if removed == 0 {
		fmt.Println(warnStyle.Render(fmt.Sprintf("no chunks found for source %q", args[0])))
		return nil
	}
	logger.Info("forgot document", zap.String("source", args[0]), zap.Int64("chunks", removed))
	fmt.Println(okStyle.Render(fmt.Sprintf("✓ removed %s (%d chunks)", args[0], removed)))
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	fmt.Println(headingStyle.Render("forge workspace status"))
	fmt.Println(dimStyle.Render(workspace))
	fmt.Println()

	manager, err := session.NewManager(filepath.Join(workspace, cfg.Session.Dir))
	if err != nil {
		return err
	}
	st, err := manager.Load()
	if err != nil {
		return fmt.Errorf("loading session: %w", err)
	}

	fmt.Println(headingStyle.Render("Conversation"))
	fmt.Printf("  ID:     %s\n", st.ConversationID)
	fmt.Printf("  Turns:  %d\n", st.TurnCount)
	fmt.Printf("  Phase:  %s\n", st.Phase)
	if st.ActiveMode != "" {
		fmt.Printf("  Mode:   %s\n", st.ActiveMode)
	}
	if st.Facts != nil {
		fmt.Printf("  Assumptions tracked: %d\n", len(st.Facts.Assumptions))
	}
	fmt.Println()

	fmt.Println(headingStyle.Render("Corpus"))
	vs, err := openStore(cfg)
	if err != nil {
		fmt.Println(warnStyle.Render(fmt.Sprintf("  vector store unavailable: %v", err)))
		return nil
	}
	defer vs.Close()

	docs, err := vs.Count(ctx, store.CollectionDocuments)
	if err != nil {
		return err
	}
	convs, err := vs.Count(ctx, store.CollectionConversations)
	if err != nil {
		return err
	}
	fmt.Printf("  Document chunks:   %d\n", docs)
	fmt.Printf("  Conversation turns: %d\n", convs)

	sources, err := vs.Sources(ctx, store.CollectionDocuments)
	if err != nil {
		return err
	}
	if len(sources) > 0 {
		fmt.Println("  Sources:")
		for _, s := range sources {
			fmt.Printf("    - %s\n", s)
		}
	}
	fmt.Println()

	fmt.Println(headingStyle.Render("Models"))
	fmt.Printf("  Executor:  %s\n", cfg.LLM.Model)
	fmt.Printf("  Router:    %s\n", cfg.LLM.RouterModel)
	fmt.Printf("  Embedding: %s (%s)\n", embeddingModelName(cfg), cfg.Embedding.Provider)
	return nil
}

func embeddingModelName(cfg *config.Config) string {
	if cfg.Embedding.Provider == "ollama" {
		return cfg.Embedding.OllamaModel
	}
	return cfg.Embedding.GenAIModel
}

func runInit(cmd *cobra.Command, args []string) error {
	cfg := config.DefaultConfig()

	configPath := filepath.Join(workspace, ".forge", "config.yaml")
	if _, err := os.Stat(configPath); err == nil {
		fmt.Println(warnStyle.Render("workspace already initialized, leaving config.yaml untouched"))
	} else {
		if err := cfg.Save(workspace); err != nil {
			return err
		}
		fmt.Println(okStyle.Render("✓ wrote .forge/config.yaml"))
	}

	if _, err := session.NewManager(filepath.Join(workspace, cfg.Session.Dir)); err != nil {
		return err
	}
	fmt.Println(okStyle.Render("✓ session directory ready"))

	knowledgePath := filepath.Join(workspace, cfg.Session.KnowledgePath)
	if _, err := os.Stat(knowledgePath); os.IsNotExist(err) {
		if err := os.WriteFile(knowledgePath, []byte(starterCatalog), 0644); err != nil {
			return fmt.Errorf("writing knowledge catalog: %w", err)
		}
		fmt.Println(okStyle.Render("✓ wrote starter knowledge catalog"))
	}

	fmt.Println()
	fmt.Println("Set ANTHROPIC_API_KEY (and GEMINI_API_KEY for retrieval), then run: forge chat")
	return nil
}

// starterCatalog seeds a new workspace with a usable probe and pattern
// set. Teams are expected to grow this file with their own probes.
const starterCatalog = `probes:
  - name: churn_probe
    body: |
      When churn is named as the problem, separate voluntary from
      involuntary churn before accepting any solution framing. Ask which
      cohorts churn, at what point in the lifecycle, and what the user
      did in their final month.
  - name: metric_probe
    body: |
      When a success metric is proposed, ask what behavior it would
      reward if gamed, and what leading indicator would move first.

patterns:
  - name: survivorship
    body: |
      Conclusions drawn only from current customers systematically miss
      the users who already left. Ask how churned or rejected users were
      represented in the evidence.
  - name: solution_first
    body: |
      A solution named before the problem is evidence the problem is
      inherited, not discovered. Trace who first proposed the solution
      and what they observed at the time.
`
