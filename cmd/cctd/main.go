package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/storage"
	"github.com/CAFxX/httpcompression"
	"github.com/getsentry/sentry-go"
	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"

	"github.com/getsentry/cctprof/internal/callsite"
	"github.com/getsentry/cctprof/internal/cct"
	"github.com/getsentry/cctprof/internal/envutil"
	"github.com/getsentry/cctprof/internal/export"
	"github.com/getsentry/cctprof/internal/httputil"
	"github.com/getsentry/cctprof/internal/ingest"
	"github.com/getsentry/cctprof/internal/logutil"
	"github.com/getsentry/cctprof/internal/peer"
	"github.com/getsentry/cctprof/internal/session"
	"github.com/getsentry/cctprof/internal/storageprovider"
	"github.com/getsentry/cctprof/internal/storageutil"
)

type environment struct {
	config ServiceConfig

	sessions *session.Manager
	storage  storageutil.ObjectHandler
	closers  []io.Closer

	snapshotsWriter KafkaWriter
	consumer        *ingest.Consumer
	inserter        export.Inserter
	peer            *peer.Client
}

var release string

func openStorage(ctx context.Context, cfg ServiceConfig) (storageutil.ObjectHandler, io.Closer, error) {
	switch cfg.StorageBackend {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, nil, err
		}
		return &storageprovider.Gcs{BucketHandle: client.Bucket(cfg.GCSBucket)}, client, nil
	case "badger":
		b, err := storageprovider.OpenBadger(cfg.BadgerPath)
		if err != nil {
			return nil, nil, err
		}
		return b, b, nil
	case "blob", "":
		b, err := storageprovider.OpenBlob(ctx, cfg.BucketURL)
		if err != nil {
			return nil, nil, err
		}
		return b, b, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}

func newEnvironment(ctx context.Context, cfg ServiceConfig) (*environment, error) {
	e := environment{config: cfg}

	filter, err := callsite.NewFilter(cfg.IncludePatterns, cfg.ExcludePatterns)
	if err != nil {
		return nil, err
	}
	st, closer, err := openStorage(ctx, cfg)
	if err != nil {
		return nil, err
	}
	e.storage = st
	e.closers = append(e.closers, closer)
	e.sessions = session.NewManager(session.Config{
		Builder: cct.Config{
			Labeler:              callsite.KeywordLabeler{},
			Filter:               filter,
			CollectTwoTimestamps: cfg.CollectTwoTimestamps,
		},
		Storage: st,
	})

	if len(cfg.KafkaBrokers) > 0 {
		e.snapshotsWriter = &kafka.Writer{
			Addr:         kafka.TCP(cfg.KafkaBrokers...),
			Async:        true,
			Balancer:     kafka.CRC32Balancer{},
			BatchSize:    10,
			Compression:  kafka.Lz4,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		}
		e.consumer = ingest.NewConsumer(
			ingest.NewReader(cfg.KafkaBrokers, cfg.EventsKafkaTopic, cfg.ConsumerGroup),
			e.sessions,
		)
	}

	if cfg.BigQueryProject != "" {
		bqClient, err := bigquery.NewClient(ctx, cfg.BigQueryProject)
		if err != nil {
			return nil, err
		}
		e.closers = append(e.closers, bqClient)
		e.inserter = bqClient.Dataset(cfg.BigQueryDataset).Table(cfg.BigQueryTable).Inserter()
	}

	if cfg.PeerURL != "" {
		e.peer, err = peer.NewClient(cfg.PeerURL, peer.Options{RetryCount: 2})
		if err != nil {
			return nil, err
		}
	}
	return &e, nil
}

func (e *environment) shutdown() {
	if e.consumer != nil {
		if err := e.consumer.Close(); err != nil {
			sentry.CaptureException(err)
		}
	}
	if e.snapshotsWriter != nil {
		if err := e.snapshotsWriter.Close(); err != nil {
			sentry.CaptureException(err)
		}
	}
	for _, c := range e.closers {
		if err := c.Close(); err != nil {
			sentry.CaptureException(err)
		}
	}
	sentry.Flush(5 * time.Second)
}

func (e *environment) newRouter() (*httprouter.Router, error) {
	compress, err := httpcompression.DefaultAdapter()
	if err != nil {
		return nil, err
	}

	routes := []struct {
		method  string
		path    string
		handler http.HandlerFunc
	}{
		{http.MethodGet, "/health", e.getHealth},
		{http.MethodGet, "/sessions", e.getSessions},
		{http.MethodPost, "/sessions/:session", e.postSession},
		{http.MethodGet, "/sessions/:session", e.getSession},
		{http.MethodDelete, "/sessions/:session", e.deleteSession},
		{http.MethodPost, "/sessions/:session/events", e.postEvents},
		{http.MethodPost, "/sessions/:session/android", e.postAndroid},
		{http.MethodPost, "/sessions/:session/reset", e.postReset},
		{http.MethodGet, "/sessions/:session/flat", e.getFlatProfile},
		{http.MethodGet, "/sessions/:session/threads", e.getThreads},
		{http.MethodGet, "/sessions/:session/threads/:thread", e.getThreadTree},
		{http.MethodGet, "/sessions/:session/threads/:thread/speedscope", e.getSpeedscope},
		{http.MethodGet, "/sessions/:session/stacks/:callsite", e.getStackTree},
		{http.MethodPost, "/sessions/:session/snapshots", e.postSnapshot},
		{http.MethodGet, "/snapshots/:session/:snapshot", e.getSnapshot},
		{http.MethodPost, "/snapshots/:session/:snapshot/export", e.postExport},
		{http.MethodGet, "/diff", e.getDiff},
		{http.MethodGet, "/diff/stacks", e.getDiffStacks},
		{http.MethodGet, "/metrics", e.getMetrics},
	}

	router := httprouter.New()

	for _, route := range routes {
		handlerFunc := httputil.AnonymizeTransactionName(route.method, route.path, route.handler)
		handlerFunc = httputil.DecompressPayload(handlerFunc)
		handler := compress(handlerFunc)

		router.Handler(route.method, route.path, handler)
	}

	return router, nil
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("error reading configuration")
	}
	logutil.ConfigureLogger(cfg.LogLevel)

	err = sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.SentryDSN,
		EnableTracing:    true,
		Environment:      cfg.Environment,
		Release:          envutil.GetEnvOrFallback("SENTRY_RELEASE", release),
		TracesSampleRate: 1.0,
		BeforeSend:       httputil.SetHTTPStatusCodeTag,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("can't initialize sentry")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env, err := newEnvironment(ctx, cfg)
	if err != nil {
		sentry.CaptureException(err)
		log.Fatal().Err(err).Msg("error setting up environment")
	}

	router, err := env.newRouter()
	if err != nil {
		sentry.CaptureException(err)
		log.Fatal().Err(err).Msg("error setting up the router")
	}

	server := http.Server{
		Addr:    ":" + envutil.GetPort(),
		Handler: sentryhttp.New(sentryhttp.Options{}).Handle(router),
	}

	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		if env.consumer == nil {
			return
		}
		if err := env.consumer.Run(ctx); err != nil {
			sentry.CaptureException(err)
			log.Err(err).Msg("event consumer stopped")
		}
	}()

	waitForShutdown := make(chan struct{})
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt, syscall.SIGTERM)
		<-c

		cctx, ccancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer ccancel()

		if err := server.Shutdown(cctx); err != nil {
			sentry.CaptureException(err)
			log.Err(err).Msg("error shutting down server")
		}

		close(waitForShutdown)
	}()

	log.Info().Str("addr", server.Addr).Msg("cctd listening")
	err = server.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		sentry.CaptureException(err)
		log.Err(err).Msg("server failed")
	}

	<-waitForShutdown
	cancel()
	<-consumerDone

	// Shutdown the rest of the environment after the HTTP connections are closed
	env.shutdown()
}

func (e *environment) getHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}
