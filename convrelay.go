// Package convrelay provides a high-level façade over the session registry,
// the turn engine and the backend protocol adapters, enabling rapid
// construction of conversation relay servers. Most applications interact with
// this package by:
//  1. Creating a Relay via New() (optionally overriding defaults)
//  2. Registering domain tools
//  3. Mounting Handler() on an HTTP server, or driving sessions directly
//     through Session() for non-WebSocket transports
//
// The façade delegates per-session orchestration to engine.Engine while
// keeping setup and usage ergonomics concise. All defaults are safe for local
// development; production deployments typically supply a configuration file,
// a structured logger and a durable call log.
package convrelay

import (
	"fmt"
	"net/http"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/hupe1980/convrelay/config"
	"github.com/hupe1980/convrelay/core"
	"github.com/hupe1980/convrelay/engine"
	"github.com/hupe1980/convrelay/logging"
	"github.com/hupe1980/convrelay/provider"
	anthropicprovider "github.com/hupe1980/convrelay/provider/anthropic"
	openaiprovider "github.com/hupe1980/convrelay/provider/openai"
	responsesprovider "github.com/hupe1980/convrelay/provider/responses"
	"github.com/hupe1980/convrelay/session"
	"github.com/hupe1980/convrelay/tool"
	"github.com/hupe1980/convrelay/transport"
)

// Options configures the Relay instance.
type Options struct {
	// Config is the process configuration. Defaults to config.Default().
	Config config.Config

	// Provider overrides the adapter built from Config.Provider.
	Provider provider.Provider

	// TranscriptLog persists completed turns (defaults to none).
	TranscriptLog engine.TranscriptLog

	// Metrics receives turn and tool counters (defaults to none).
	Metrics engine.Metrics

	// Logger (defaults to NoOp logger if nil).
	Logger logging.Logger
}

// Relay is the high-level façade aggregating the tool catalog, the session
// registry and the WebSocket transport.
type Relay struct {
	opts     Options
	tools    *tool.Registry
	sessions *session.Registry
}

// New creates a Relay with optional overrides. Control tools (handoff,
// language switch, end of interaction) are pre-registered.
func New(optFns ...func(o *Options)) (*Relay, error) {
	opts := Options{
		Config: config.Default(),
		Logger: logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	p := opts.Provider
	if p == nil {
		var err error
		if p, err = buildProvider(opts.Config); err != nil {
			return nil, err
		}
	}

	tools := tool.NewRegistry(
		tool.NewHandoffTool(),
		tool.NewLanguageSwitchTool(opts.Config.Languages),
		tool.NewEndInteractionTool(),
	)

	cfg := engine.DefaultConfig
	cfg.Streaming = opts.Config.Streaming
	if opts.Config.MaxToolRounds > 0 {
		cfg.MaxToolRounds = opts.Config.MaxToolRounds
	}

	factory := func(conversationID string) (*engine.Engine, error) {
		return engine.New(conversationID, p, tools, func(o *engine.Options) {
			o.Config = cfg
			o.Logger = opts.Logger
			o.Metrics = opts.Metrics
			o.TranscriptLog = opts.TranscriptLog
			o.SystemPrompt = opts.Config.SystemPrompt
			o.Greeting = opts.Config.Greeting
		}), nil
	}

	return &Relay{
		opts:     opts,
		tools:    tools,
		sessions: session.NewRegistry(factory, opts.Logger),
	}, nil
}

func buildProvider(cfg config.Config) (provider.Provider, error) {
	switch cfg.Provider {
	case config.ProviderOpenAI:
		return openaiprovider.New(func(o *openaiprovider.Options) {
			if cfg.Model != "" {
				o.Model = cfg.Model
			}
		}), nil
	case config.ProviderAnthropic:
		return anthropicprovider.New(func(o *anthropicprovider.Options) {
			if cfg.Model != "" {
				o.Model = anthropic.Model(cfg.Model)
			}
		}), nil
	case config.ProviderResponses:
		return responsesprovider.New(func(o *responsesprovider.Options) {
			if cfg.Model != "" {
				o.Model = cfg.Model
			}
		}), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}

// RegisterTool adds a domain tool to the shared catalog. Tools registered
// after sessions exist become visible to subsequent turns.
func (r *Relay) RegisterTool(t tool.Tool) { r.tools.Register(t) }

// Tools exposes the shared tool catalog.
func (r *Relay) Tools() *tool.Registry { return r.tools }

// Sessions exposes the session registry.
func (r *Relay) Sessions() *session.Registry { return r.sessions }

// Session returns (creating if needed) the engine for a conversation,
// for callers driving turns without the WebSocket transport.
func (r *Relay) Session(conversationID string, callCtx core.CallContext) (*engine.Engine, error) {
	eng, _, err := r.sessions.GetOrCreate(conversationID, callCtx)
	return eng, err
}

// Handler returns the WebSocket endpoint handler.
func (r *Relay) Handler() http.Handler {
	return &transport.Handler{
		Sessions: r.sessions,
		Logger:   r.opts.Logger,
		Greeting: r.opts.Config.Greeting,
	}
}
