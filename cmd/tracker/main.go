// Command tracker is a terminal client for the parcel marketplace: it follows
// one job live, runs the courier offer inbox, or publishes courier positions.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/example/parcel-tracking/internal/backend"
	"github.com/example/parcel-tracking/internal/config"
	"github.com/example/parcel-tracking/internal/ingest"
	"github.com/example/parcel-tracking/internal/logging"
	"github.com/example/parcel-tracking/internal/models"
	"github.com/example/parcel-tracking/internal/presence"
	"github.com/example/parcel-tracking/internal/realtime"
	"github.com/example/parcel-tracking/internal/tracking"
)

const usage = `usage: tracker <command> [flags]

commands:
  track    -job ID                      follow a job and print render plans
  courier  -token T [-channel KEY]      receive job offers; type "accept|decline|view JOB_ID"
  publish  -job ID -lat L -lng L        publish a courier position to Kafka
           [-via ws] [-every D]         or send it on the job's realtime channel, repeating every D
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	cfg, err := config.Load()
	if cfg.LogFormat == "json" && os.Getenv("LOG_FORMAT") == "" {
		cfg.LogFormat = "text"
	}
	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	args := os.Args[2:]
	switch os.Args[1] {
	case "track":
		err = runTrack(ctx, cfg, logger, args)
	case "courier":
		err = runCourier(ctx, cfg, logger, args)
	case "publish":
		err = runPublish(ctx, cfg, logger, args)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error(os.Args[1]+" failed", "error", err)
		os.Exit(1)
	}
}

func newRealtime(cfg config.Config, api *backend.Client, logger *slog.Logger) *realtime.Client {
	return realtime.NewClient(realtime.Options{
		BaseURL:       cfg.BackendWSURL,
		Dialer:        realtime.WSDialer{Token: cfg.BackendToken},
		BaseDelay:     cfg.ChannelBaseDelay,
		MaxReconnects: cfg.MaxReconnects,
		PollSource:    api,
		PollInterval:  cfg.PollInterval,
		Logger:        logger,
	})
}

func logStates(ch *realtime.Channel, logger *slog.Logger) func() {
	return ch.OnState(func(s realtime.State) {
		logger.Info("channel state", "endpoint", ch.EndpointKey(), "state", s.String())
	})
}

func runTrack(ctx context.Context, cfg config.Config, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("track", flag.ContinueOnError)
	jobID := fs.String("job", "", "job id to follow")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *jobID == "" {
		return errors.New("track: -job is required")
	}

	api := backend.NewClient(cfg.BackendURL, cfg.BackendToken, cfg.BackendTimeout, cfg.BackendRetries, logger)
	first, err := api.FetchSnapshot(ctx, *jobID)
	if err != nil {
		return err
	}
	out := newPrinter(os.Stdout)
	if first.Status.Terminal() {
		planHandler(out, logger, make(chan struct{}))(tracking.Update{JobID: *jobID, Snapshot: first})
		return nil
	}

	done := make(chan struct{})
	feed := tracking.NewFeed(api, tracking.Options{Interval: cfg.FeedInterval, Logger: logger})
	defer feed.Close()
	sub := feed.Start(*jobID, first.Status, planHandler(out, logger, done))

	ch := newRealtime(cfg, api, logger).Open(*jobID)
	defer ch.Close()
	defer logStates(ch, logger)()
	b := &bridge{jobID: *jobID, courier: sub, out: out, log: logger}
	defer ch.OnMessage(b.handle)()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func runCourier(ctx context.Context, cfg config.Config, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("courier", flag.ContinueOnError)
	token := fs.String("token", "", "device push token")
	channel := fs.String("channel", "courier", "realtime endpoint carrying offers")
	if err := fs.Parse(args); err != nil {
		return err
	}

	api := backend.NewClient(cfg.BackendURL, cfg.BackendToken, cfg.BackendTimeout, cfg.BackendRetries, logger)
	opts := presence.Options{
		Platform:      presence.StaticPlatform{DeviceToken: *token},
		TokenSink:     api,
		Acceptor:      api,
		OfferTTL:      cfg.OfferTTL,
		EarningsSplit: cfg.EarningsSplit,
		Logger:        logger,
	}
	if cfg.FirebaseCredentials != "" {
		reg, err := presence.NewFCMRegistrar(ctx, cfg.FirebaseCredentials, cfg.FirebaseProjectID, cfg.OfferTopic)
		if err != nil {
			return err
		}
		opts.Registrar = reg
	}
	n := presence.NewNotifier(opts)
	if _, ok := n.RequestPermission(ctx); !ok {
		logger.Warn("push disabled; offers arrive over the realtime channel only")
	}

	out := newPrinter(os.Stdout)
	defer n.OnOffer(offerPrinter(out))()
	defer n.OnNotice(func(nt presence.Notice) { out.print("notice", nt) })()

	ch := newRealtime(cfg, api, logger).Open(*channel)
	defer ch.Close()
	defer logStates(ch, logger)()
	b := &bridge{offers: n, out: out, log: logger}
	defer ch.OnMessage(b.handle)()

	return readDecisions(ctx, os.Stdin, n, out)
}

// readDecisions turns "accept|decline|view JOB_ID" lines into acknowledgements.
func readDecisions(ctx context.Context, in io.Reader, n *presence.Notifier, out *printer) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			fields := strings.Fields(line)
			if len(fields) != 2 {
				continue
			}
			d := presence.Decision(strings.ToLower(fields[0]))
			if d != presence.Accept && d != presence.Decline && d != presence.View {
				continue
			}
			if err := n.Acknowledge(ctx, fields[1], d); err != nil {
				out.print("error", map[string]string{"job_id": fields[1], "error": err.Error()})
			}
		}
	}
}

func runPublish(ctx context.Context, cfg config.Config, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("publish", flag.ContinueOnError)
	jobID := fs.String("job", "", "job id")
	lat := fs.Float64("lat", 0, "latitude")
	lng := fs.Float64("lng", 0, "longitude")
	name := fs.String("name", "", "courier name")
	via := fs.String("via", "kafka", "kafka or ws")
	every := fs.Duration("every", 0, "with -via ws, resend at this interval until interrupted")
	if err := fs.Parse(args); err != nil {
		return err
	}
	e := ingest.LocationEvent{JobID: *jobID, Lat: *lat, Lng: *lng, Name: *name, Timestamp: time.Now().UTC()}
	if e.JobID == "" || !e.Position().Valid() {
		return fmt.Errorf("publish: %w", models.ErrNoLocation)
	}

	switch *via {
	case "kafka":
	case "ws":
		api := backend.NewClient(cfg.BackendURL, cfg.BackendToken, cfg.BackendTimeout, cfg.BackendRetries, logger)
		ch := newRealtime(cfg, api, logger).Open(e.JobID)
		defer ch.Close()
		defer logStates(ch, logger)()
		pos := func() models.CourierPosition {
			p := e.Position()
			p.Timestamp = time.Now().UTC()
			return p
		}
		return pushLocations(ctx, ch, e.JobID, pos, *every, logger)
	default:
		return fmt.Errorf("publish: unknown -via %q", *via)
	}
	brokers := cfg.KafkaBrokers
	if len(brokers) == 0 {
		brokers = []string{"localhost:9092"}
	}
	p := ingest.NewLocationProducer(brokers, cfg.KafkaTopic)
	defer p.Close()
	return p.PublishLocation(ctx, e)
}
