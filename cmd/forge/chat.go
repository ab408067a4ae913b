// This file implements the interactive chat loop.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"forge/internal/config"
	"forge/internal/facts"
	"forge/internal/knowledge"
	"forge/internal/llm"
	"forge/internal/orchestrator"
	"forge/internal/retrieval"
	"forge/internal/session"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"go.uber.org/zap"
)

var (
	bannerStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")).Padding(0, 1)
	promptStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("14"))
	assistantStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	thinkingStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Italic(true)
)

// chatApp holds everything one interactive conversation needs.
type chatApp struct {
	engine   *orchestrator.Engine
	facts    *facts.Store
	state    *session.State
	renderer *glamour.TermRenderer
	cleanup  []func() error
}

func (a *chatApp) close() {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		if err := a.cleanup[i](); err != nil {
			logger.Warn("cleanup failed", zap.Error(err))
		}
	}
}

func runChat(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.LLM.APIKey == "" {
		return fmt.Errorf("no API key configured: set ANTHROPIC_API_KEY or llm.api_key in .forge/config.yaml")
	}

	app, err := buildChatApp(cfg)
	if err != nil {
		return err
	}
	defer app.close()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	printBanner(app.state)
	return chatLoop(ctx, app)
}

func buildChatApp(cfg *config.Config) (*chatApp, error) {
	app := &chatApp{}

	manager, err := session.NewManager(filepath.Join(workspace, cfg.Session.Dir))
	if err != nil {
		return nil, err
	}
	st, err := manager.Load()
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}
	app.state = st

	app.facts = facts.NewStore()
	if st.Facts != nil {
		app.facts.Restore(st.Facts)
	}

	watcher, err := session.NewContextWatcher(manager)
	if err != nil {
		logger.Warn("context.md watching unavailable", zap.Error(err))
	} else {
		app.cleanup = append(app.cleanup, watcher.Close)
	}

	idx, err := knowledge.Load(filepath.Join(workspace, cfg.Session.KnowledgePath))
	if err != nil {
		logger.Warn("knowledge catalog unavailable, probes and patterns disabled", zap.Error(err))
		idx = nil
	}

	// Retrieval is an enhancement: without an embedding backend the
	// conversation still runs on always-on context.
	var retriever *retrieval.Retriever
	var assembler *retrieval.Assembler
	embedder, err := openEmbedding(cfg)
	if err != nil {
		logger.Warn("embedding backend unavailable, running without retrieval", zap.Error(err))
	} else {
		vs, err := openStore(cfg)
		if err != nil {
			return nil, err
		}
		app.cleanup = append(app.cleanup, vs.Close)
		retriever = retrieval.NewRetriever(vs, embedder,
			cfg.Retrieval.DocumentTopK, cfg.Retrieval.ConversationTopK, cfg.Retrieval.AlwaysOnWindow)
		assembler = retrieval.NewAssembler(idx, retriever)
	}
	if assembler == nil && idx != nil {
		assembler = retrieval.NewAssembler(idx, nil)
	}

	mainLLM := llm.NewAnthropicClientWithConfig(llm.AnthropicConfig{
		APIKey: cfg.LLM.APIKey, BaseURL: cfg.LLM.BaseURL, Model: cfg.LLM.Model, Timeout: cfg.LLM.Timeout,
	})
	routerLLM := llm.NewAnthropicClientWithConfig(llm.AnthropicConfig{
		APIKey: cfg.LLM.APIKey, BaseURL: cfg.LLM.BaseURL, Model: cfg.LLM.RouterModel, Timeout: cfg.LLM.Timeout,
	})
	summaryLLM := llm.NewAnthropicClientWithConfig(llm.AnthropicConfig{
		APIKey: cfg.LLM.APIKey, BaseURL: cfg.LLM.BaseURL, Model: cfg.LLM.SummaryModel, Timeout: cfg.LLM.Timeout,
	})

	app.engine = orchestrator.NewEngine(orchestrator.Deps{
		LLM:            mainLLM,
		RouterLLM:      routerLLM,
		SummaryLLM:     summaryLLM,
		Facts:          app.facts,
		State:          st,
		Manager:        manager,
		Watcher:        watcher,
		Knowledge:      idx,
		Assembler:      assembler,
		Retriever:      retriever,
		MaxToolCalls:   cfg.Session.MaxToolCalls,
		AlwaysOnWindow: cfg.Retrieval.AlwaysOnWindow,
	})

	app.renderer, err = glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		logger.Warn("markdown rendering unavailable", zap.Error(err))
	}
	return app, nil
}

func printBanner(st *session.State) {
	fmt.Println(bannerStyle.Render("forge - product analysis co-pilot"))
	if st.TurnCount > 0 {
		fmt.Println(thinkingStyle.Render(fmt.Sprintf("resuming conversation at turn %d", st.TurnCount+1)))
	}
	fmt.Println(thinkingStyle.Render("type /help for commands, /exit to quit"))
	fmt.Println()
}

func chatLoop(ctx context.Context, app *chatApp) error {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		fmt.Print(promptStyle.Render("you> "))
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			if done := handleCommand(app, line); done {
				return nil
			}
			continue
		}

		fmt.Println(thinkingStyle.Render("thinking..."))
		response, err := app.engine.RunTurn(ctx, line)
		if err != nil {
			if ctx.Err() != nil {
				fmt.Println()
				return nil
			}
			fmt.Println(warnStyle.Render(fmt.Sprintf("turn failed: %v", err)))
			continue
		}
		printAssistant(app, response)
	}
}

// handleCommand runs a local slash command. Returns true when the loop
// should exit.
func handleCommand(app *chatApp, line string) bool {
	switch strings.Fields(line)[0] {
	case "/exit", "/quit":
		fmt.Println(thinkingStyle.Render("conversation saved"))
		return true
	case "/register":
		printAssistant(app, app.facts.FormatRegister())
	case "/skeleton":
		printAssistant(app, app.facts.FormatSkeleton())
	case "/status":
		st := app.state
		fmt.Printf("turn %d, phase %s", st.TurnCount, st.Phase)
		if st.ActiveMode != "" {
			fmt.Printf(", mode %s", st.ActiveMode)
		}
		fmt.Printf(", %d assumptions\n", app.facts.Count())
	case "/help":
		fmt.Println("  /register  show the assumption register")
		fmt.Println("  /skeleton  show the finding skeleton")
		fmt.Println("  /status    show conversation status")
		fmt.Println("  /exit      quit (state is saved after every turn)")
	default:
		fmt.Println(warnStyle.Render("unknown command, try /help"))
	}
	return false
}

func printAssistant(app *chatApp, text string) {
	if app.renderer != nil {
		if rendered, err := app.renderer.Render(text); err == nil {
			fmt.Print(rendered)
			fmt.Println()
			return
		}
	}
	fmt.Println(assistantStyle.Render(text))
	fmt.Println()
}
