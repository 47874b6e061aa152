package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/parleyhq/parley/internal/agents"
	"github.com/parleyhq/parley/internal/bootstrap"
	"github.com/parleyhq/parley/internal/broadcast"
	"github.com/parleyhq/parley/internal/bus"
	"github.com/parleyhq/parley/internal/channels"
	"github.com/parleyhq/parley/internal/channels/instagram"
	"github.com/parleyhq/parley/internal/channels/telegram"
	"github.com/parleyhq/parley/internal/channels/web"
	"github.com/parleyhq/parley/internal/channels/whatsapp"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/contacts"
	"github.com/parleyhq/parley/internal/conversations"
	"github.com/parleyhq/parley/internal/engine"
	"github.com/parleyhq/parley/internal/flows"
	"github.com/parleyhq/parley/internal/httpapi"
	"github.com/parleyhq/parley/internal/knowledge"
	"github.com/parleyhq/parley/internal/llm"
	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/internal/store/pg"
	"github.com/parleyhq/parley/internal/telemetry"
	"github.com/parleyhq/parley/internal/templates"
	"github.com/parleyhq/parley/internal/upgrade"
	"github.com/parleyhq/parley/pkg/protocol"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the Parley server",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	setupLogging()

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry, Version)
	if err != nil {
		slog.Error("failed to set up telemetry", "error", err)
		os.Exit(1)
	}
	defer shutdownTelemetry(context.Background())

	if err := serve(ctx, cfg); err != nil {
		slog.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

// stores bundles the per-record-type stores behind one backend choice.
type stores struct {
	contacts   store.Store[contacts.Contact]
	convs      store.Store[conversations.Conversation]
	personas   store.Store[agents.Persona]
	flows      store.Store[flows.Flow]
	execs      store.Store[flows.Execution]
	broadcasts store.Store[broadcast.Broadcast]
	templates  store.Store[templates.Template]
}

func openStores(cfg *config.Config) (*stores, error) {
	if !cfg.Database.Persistent() {
		slog.Info("no postgres dsn configured, using in-memory stores")
		return &stores{
			contacts:   store.NewMemStore[contacts.Contact](),
			convs:      store.NewMemStore[conversations.Conversation](),
			personas:   store.NewMemStore[agents.Persona](),
			flows:      store.NewMemStore[flows.Flow](),
			execs:      store.NewMemStore[flows.Execution](),
			broadcasts: store.NewMemStore[broadcast.Broadcast](),
			templates:  store.NewMemStore[templates.Template](),
		}, nil
	}

	db, err := pg.OpenDB(cfg.Database.PostgresDSN)
	if err != nil {
		return nil, err
	}

	status, err := upgrade.CheckSchema(db)
	if err != nil {
		return nil, fmt.Errorf("check schema: %w", err)
	}
	if err := status.Err(); err != nil {
		return nil, err
	}

	slog.Info("postgres stores ready", "schema_version", status.CurrentVersion)
	return &stores{
		contacts:   pg.NewStore[contacts.Contact](db, "contacts"),
		convs:      pg.NewStore[conversations.Conversation](db, "conversations"),
		personas:   pg.NewStore[agents.Persona](db, "personas"),
		flows:      pg.NewStore[flows.Flow](db, "flows"),
		execs:      pg.NewStore[flows.Execution](db, "executions"),
		broadcasts: pg.NewStore[broadcast.Broadcast](db, "broadcasts"),
		templates:  pg.NewStore[templates.Template](db, "templates"),
	}, nil
}

func newLLMClient(cfg config.LLMConfig) llm.Client {
	switch cfg.Provider {
	case "openai":
		return llm.NewOpenAIClient("openai", cfg.APIKey, cfg.APIBase, cfg.Model)
	default:
		return llm.NewAnthropicClient(cfg.APIKey, cfg.APIBase, cfg.Model)
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	st, err := openStores(cfg)
	if err != nil {
		return err
	}

	// Knowledge corpus: seed a starter tree on first run, then index it.
	if _, err := bootstrap.EnsureKnowledgeFiles(cfg.Knowledge.Root); err != nil {
		return fmt.Errorf("seed knowledge tree: %w", err)
	}
	idx, err := knowledge.NewIndex(cfg.Knowledge.Root)
	if err != nil {
		return fmt.Errorf("load knowledge: %w", err)
	}
	if cfg.Knowledge.Watch {
		if err := idx.Watch(); err != nil {
			slog.Warn("knowledge watcher unavailable, hot reload disabled", "error", err)
		} else {
			defer idx.Close()
		}
	}

	catalog := agents.NewCatalog()
	if err := catalog.LoadCustom(ctx, st.personas); err != nil {
		slog.Warn("custom personas unavailable", "error", err)
	}

	contactReg := contacts.NewRegistry(st.contacts)
	convReg := conversations.NewRegistry(st.convs)
	b := bus.New()

	orch := agents.NewOrchestrator(newLLMClient(cfg.LLM), idx, catalog)
	eng := engine.New(contactReg, convReg, orch, b)
	eng.SetWindowBudget(cfg.Engine.WindowBudget)

	// Channel adapters. Inbound events from any transport feed the engine;
	// duplicate deliveries are platform retries and are dropped quietly.
	chMgr := channels.NewManager()
	inbound := func(ctx context.Context, ev bus.InboundEvent) {
		if _, err := eng.HandleIncoming(ctx, ev); err != nil && !errors.Is(err, engine.ErrDuplicateMessage) {
			slog.Error("inbound message processing failed",
				"channel", ev.Channel, "message_id", ev.MessageID, "error", err)
		}
	}

	var webHub *web.Hub
	if cfg.Channels.Web.Enabled {
		webHub = web.NewHub(inbound)
		chMgr.Register(webHub)
	}
	if cfg.Channels.Telegram.Enabled {
		tg, err := telegram.New(telegram.Config{
			Token:       cfg.Channels.Telegram.Token,
			PollTimeout: cfg.Channels.Telegram.PollTimeout,
		}, inbound)
		if err != nil {
			return fmt.Errorf("telegram adapter: %w", err)
		}
		chMgr.Register(tg)
	}
	if cfg.Channels.WhatsApp.Enabled {
		wa, err := whatsapp.New(whatsapp.Config{
			AccessToken:   cfg.Channels.WhatsApp.AccessToken,
			PhoneNumberID: cfg.Channels.WhatsApp.PhoneNumberID,
			AppSecret:     cfg.Channels.WhatsApp.AppSecret,
			VerifyToken:   cfg.Channels.WhatsApp.VerifyToken,
			BaseURL:       cfg.Channels.WhatsApp.BaseURL,
		})
		if err != nil {
			return fmt.Errorf("whatsapp adapter: %w", err)
		}
		chMgr.Register(wa)
	}
	if cfg.Channels.Instagram.Enabled {
		ig, err := instagram.New(instagram.Config{
			AccessToken: cfg.Channels.Instagram.AccessToken,
			AppSecret:   cfg.Channels.Instagram.AppSecret,
			VerifyToken: cfg.Channels.Instagram.VerifyToken,
			BaseURL:     cfg.Channels.Instagram.BaseURL,
		})
		if err != nil {
			return fmt.Errorf("instagram adapter: %w", err)
		}
		chMgr.Register(ig)
	}

	// Engine replies go back out on the conversation's transport.
	wireOutbound(b, chMgr)

	// Automation.
	flowEng := flows.New(st.flows, st.execs, chMgr, contactReg, convReg, eng, b)
	triggers := flows.NewTriggers(flowEng, b)
	if err := triggers.Start(ctx); err != nil {
		return fmt.Errorf("start triggers: %w", err)
	}
	defer triggers.Stop()

	broadcasts := broadcast.NewManager(st.broadcasts, contactReg, chMgr)
	tmpl := templates.NewManager(st.templates)

	if err := chMgr.StartAll(ctx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}
	defer chMgr.StopAll(context.Background())

	srv := httpapi.NewServer(cfg.Server.Addr(), httpapi.Deps{
		Engine:     eng,
		Flows:      flowEng,
		Triggers:   triggers,
		Broadcasts: broadcasts,
		Templates:  tmpl,
		Knowledge:  idx,
		Channels:   chMgr,
		WebHub:     webHub,
	})
	return srv.Start(ctx)
}

// wireOutbound subscribes to outgoing message events and relays replies,
// persona and human alike, to the contact over the channel the conversation
// lives on.
func wireOutbound(b *bus.Bus, chMgr *channels.Manager) {
	b.Subscribe(protocol.EventMessageOutgoing, func(ev bus.Event) {
		if ev.Message == nil || ev.Conversation == nil || ev.Contact == nil {
			return
		}
		ctx := context.Background()
		if err := chMgr.SendMessage(ctx, ev.Conversation.Channel, ev.Contact.ChannelUserID, ev.Message.Content); err != nil {
			slog.Error("outbound relay failed",
				"channel", ev.Conversation.Channel, "conversation", ev.Conversation.ID, "error", err)
		}
	})
}
