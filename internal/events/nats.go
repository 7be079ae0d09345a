package events

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSOptions describe how deploy events are mirrored into NATS JetStream.
type NATSOptions struct {
	URL           string
	User          string
	Password      string
	Stream        string
	SubjectPrefix string
	MaxBytes      int64
	DupeWindow    time.Duration
}

func (o *NATSOptions) setDefaults() {
	if o.URL == "" {
		o.URL = nats.DefaultURL
	}
	if o.Stream == "" {
		o.Stream = "nix_simple_deploy_events"
	}
	if o.SubjectPrefix == "" {
		o.SubjectPrefix = "deploy.events"
	}
	if o.MaxBytes == 0 {
		o.MaxBytes = 1024 * 1024 * 1024 // 1GB
	}
	if o.DupeWindow == 0 {
		o.DupeWindow = 2 * time.Minute
	}
}

// Publisher mirrors events into a JetStream stream. Publish failures are
// logged and never fail a deployment.
type Publisher struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	opts   NATSOptions
	logger *slog.Logger
}

func NewPublisher(ctx context.Context, opts NATSOptions, logger *slog.Logger) (*Publisher, error) {
	opts.setDefaults()
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	natsOpts := []nats.Option{nats.Name("nix-simple-deploy")}
	if opts.User != "" {
		natsOpts = append(natsOpts, nats.UserInfo(opts.User, opts.Password))
	}
	conn, err := nats.Connect(opts.URL, natsOpts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", opts.URL, err)
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, err
	}
	p := &Publisher{conn: conn, js: js, opts: opts, logger: logger}
	if err := p.ensureStream(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ensure stream %s: %w", opts.Stream, err)
	}
	return p, nil
}

func (p *Publisher) ensureStream(ctx context.Context) error {
	cfg := &nats.StreamConfig{
		Name:       p.opts.Stream,
		Subjects:   []string{p.opts.SubjectPrefix + ".>"},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		MaxMsgs:    -1,
		MaxBytes:   p.opts.MaxBytes,
		Discard:    nats.DiscardOld,
		Duplicates: p.opts.DupeWindow,
	}
	if _, err := p.js.StreamInfo(cfg.Name, nats.Context(ctx)); err != nil {
		if errors.Is(err, nats.ErrStreamNotFound) {
			_, addErr := p.js.AddStream(cfg, nats.Context(ctx))
			return addErr
		}
		return err
	}
	_, err := p.js.UpdateStream(cfg, nats.Context(ctx))
	return err
}

// Subject returns the subject an event is published on.
func (p *Publisher) Subject(ev Event) string {
	return Subject(p.opts.SubjectPrefix, ev)
}

func Subject(prefix string, ev Event) string {
	stage := strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_").Replace(ev.Stage)
	if stage == "" {
		stage = "run"
	}
	return fmt.Sprintf("%s.%s.%s", prefix, ev.RunID, stage)
}

func (p *Publisher) Observe(ev Event) {
	data, err := Marshal(ev)
	if err != nil {
		p.logger.Warn("encode event failed", "run", ev.RunID, "err", err)
		return
	}
	msgID := fmt.Sprintf("%s-%d", ev.RunID, ev.Seq)
	if _, err := p.js.Publish(p.Subject(ev), data, nats.MsgId(msgID)); err != nil {
		p.logger.Warn("publish event failed", "subject", p.Subject(ev), "err", err)
	}
}

func (p *Publisher) Close() {
	if p.conn != nil {
		_ = p.conn.Drain()
		p.conn.Close()
	}
}
