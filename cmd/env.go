package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/inbox-cli/internal/credential"
	"github.com/sells-group/inbox-cli/internal/hitl"
	"github.com/sells-group/inbox-cli/internal/ingest"
	"github.com/sells-group/inbox-cli/internal/mailbox"
	"github.com/sells-group/inbox-cli/internal/model"
	"github.com/sells-group/inbox-cli/internal/outbound"
	"github.com/sells-group/inbox-cli/internal/reasoning"
	"github.com/sells-group/inbox-cli/internal/resilience"
	"github.com/sells-group/inbox-cli/internal/safety"
	"github.com/sells-group/inbox-cli/internal/store"
	"github.com/sells-group/inbox-cli/internal/triage"
	anthropicpkg "github.com/sells-group/inbox-cli/pkg/anthropic"
)

// appEnv holds the store and the services built on it. Mailbox access opens
// the keyring lazily so commands that never touch IMAP work without one.
type appEnv struct {
	Store    store.Store
	Queue    *hitl.Queue
	Resolver *hitl.Resolver
	Switch   *safety.Switch
	Gate     *safety.Gate

	breakers *resilience.ServiceBreakers
	dialer   *mailbox.Dialer
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initEnv opens the store and wires the review queue and safety services.
// Callers should defer env.Close().
func initEnv(ctx context.Context) (*appEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	return newEnv(st), nil
}

func newEnv(st store.Store) *appEnv {
	var notifier hitl.Notifier = hitl.NopNotifier{}
	if cfg.Slack.Token != "" && cfg.Slack.Channel != "" {
		notifier = hitl.NewSlackNotifier(cfg.Slack.Token, cfg.Slack.Channel)
		zap.L().Info("slack review notifications enabled", zap.String("channel", cfg.Slack.Channel))
	} else {
		zap.L().Debug("slack not configured, review notifications disabled")
	}

	return &appEnv{
		Store:    st,
		Queue:    hitl.NewQueue(st, notifier),
		Resolver: hitl.NewResolver(st),
		Switch:   safety.NewSwitch(st),
		Gate:     safety.NewGate(st, cfg.Safety.Allowlist),
		breakers: resilience.NewServiceBreakers(resilience.FromCircuitConfig(cfg.Circuit)),
	}
}

// mailboxDialer opens the keyring on first use.
func (e *appEnv) mailboxDialer() (*mailbox.Dialer, error) {
	if e.dialer != nil {
		return e.dialer, nil
	}
	creds, err := credential.Open(cfg.Credential)
	if err != nil {
		return nil, err
	}
	e.dialer = mailbox.NewDialer(cfg.IMAP, creds)
	return e.dialer, nil
}

// classifier builds the triage classifier from the rule file and config
// overrides, in that order.
func classifier() (*triage.Classifier, error) {
	rules := triage.DefaultRules()
	if cfg.Triage.RulesFile != "" {
		r, err := triage.LoadRules(cfg.Triage.RulesFile)
		if err != nil {
			return nil, err
		}
		rules = r
	}
	rules = rules.Merge(triage.Rules{
		UrgentKeywords: cfg.Triage.UrgentKeywords,
		VIPDomains:     cfg.Triage.VIPDomains,
		SpamPhrases:    cfg.Triage.SpamPhrases,
	})
	return triage.New(rules), nil
}

// ingestRunner builds the IMAP-backed ingestion runner.
func (e *appEnv) ingestRunner() (*ingest.Runner, error) {
	if err := cfg.Validate("ingest"); err != nil {
		return nil, err
	}
	dialer, err := e.mailboxDialer()
	if err != nil {
		return nil, err
	}
	cls, err := classifier()
	if err != nil {
		return nil, err
	}
	source := mailbox.NewIMAPSource(dialer, time.Duration(cfg.Ingest.LookbackDays)*24*time.Hour)
	return ingest.NewRunner(ingest.New(e.Store, source, cls), cfg.Ingest.Concurrency), nil
}

// orchestrator builds a reasoning orchestrator reading bodies from the
// account's mailbox. A nil account uses snippets only.
func (e *appEnv) orchestrator(account *model.EmailAccount) (*reasoning.Orchestrator, error) {
	if err := cfg.Validate("decide"); err != nil {
		return nil, err
	}
	client := anthropicpkg.NewClient(cfg.Anthropic.Key, "")
	provider := reasoning.NewAnthropicProvider(client, cfg.Anthropic.Model, cfg.Anthropic.MaxTokens,
		resilience.FromRetryConfig(cfg.Retry), e.breakers.Get("anthropic"))

	var fetcher reasoning.BodyFetcher
	if account != nil && cfg.IMAP.Host != "" {
		dialer, err := e.mailboxDialer()
		if err != nil {
			zap.L().Warn("keyring unavailable, deciding from snippets", zap.Error(err))
		} else {
			fetcher = mailbox.NewIMAPBodyFetcher(dialer, account)
		}
	}
	return reasoning.NewOrchestrator(e.Store, provider, reasoning.NewContextBuilder(fetcher), e.Queue), nil
}

// draftOutbox builds a gated outbox that saves replies as drafts in the
// account's mailbox.
func (e *appEnv) draftOutbox(account *model.EmailAccount) (*outbound.Outbox, error) {
	dialer, err := e.mailboxDialer()
	if err != nil {
		return nil, err
	}
	transport := outbound.NewIMAPTransport(dialer, account, cfg.Outbound.Mailbox)
	return outbound.NewOutbox(e.Gate, transport, cfg.Outbound.RatePerMinute, cfg.Outbound.Burst), nil
}

// accountForEmail finds the active account that ingested email.
func (e *appEnv) accountForEmail(ctx context.Context, email *model.EmailMessage) (*model.EmailAccount, error) {
	accounts, err := e.Store.ListActiveAccounts(ctx)
	if err != nil {
		return nil, err
	}
	for i := range accounts {
		if accounts[i].ID == email.AccountID {
			return &accounts[i], nil
		}
	}
	return nil, eris.Wrapf(model.ErrNotFound, "account %s", email.AccountID)
}
