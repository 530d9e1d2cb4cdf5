package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/memglyph/glyphcase/internal/api"
	"github.com/memglyph/glyphcase/internal/common"
	"github.com/memglyph/glyphcase/internal/queue"
	"github.com/memglyph/glyphcase/internal/reasoner"
	"github.com/memglyph/glyphcase/internal/session"
)

func main() {
	logger := common.Logger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := godotenv.Load(); err != nil {
		logger.Warn("glyphcase: .env file not loaded", "error", err)
	} else {
		logger.Info("glyphcase: environment loaded from .env")
	}

	addr := flag.String("addr", ":8084", "listen address")
	capsulePath := flag.String("capsule", strings.TrimSpace(os.Getenv("GLYPHCASE_CAPSULE_PATH")), "capsule to open at startup")
	embedModel := flag.String("embed-model", strings.TrimSpace(os.Getenv("GLYPHCASE_EMBED_MODEL")), "embedding model id for query vectors")
	queueTimeout := flag.String("queue-timeout", "", "per-operation execution budget (e.g. 5s, 20s)")
	maxPending := flag.Int("max-pending", 0, "maximum queued operations before backpressure (0 uses default)")
	flag.Parse()

	logger.Info("glyphcase: startup initiated", "addr", *addr, "capsule", *capsulePath)

	var queueOpts []queue.Option
	if trimmed := strings.TrimSpace(*queueTimeout); trimmed != "" {
		dur, err := time.ParseDuration(trimmed)
		if err != nil {
			logger.Error("glyphcase: invalid queue timeout", "value", trimmed, "error", err)
			fmt.Println("queue timeout error:", err)
			os.Exit(1)
		}
		queueOpts = append(queueOpts, queue.WithTimeout(dur))
	}
	if *maxPending > 0 {
		queueOpts = append(queueOpts, queue.WithMaxPending(*maxPending))
	}

	sessionOpts := []session.Option{session.WithQueueOptions(queueOpts...)}
	if model := strings.TrimSpace(*embedModel); model != "" {
		embedder, err := reasoner.NewQueryEmbedder(model)
		if err != nil {
			logger.Error("glyphcase: embedder setup failed", "error", err)
			fmt.Println("embedder error:", err)
			os.Exit(1)
		}
		if embedder != nil {
			sessionOpts = append(sessionOpts, session.WithEmbedder(embedder))
			logger.Info("glyphcase: query embedder ready", "model", model)
		} else {
			logger.Warn("glyphcase: no embedding endpoint configured; vector search disabled")
		}
	}

	sess := session.New(sessionOpts...)
	defer sess.Shutdown(context.Background())

	if trimmed := strings.TrimSpace(*capsulePath); trimmed != "" {
		if err := sess.Open(ctx, trimmed); err != nil {
			logger.Error("glyphcase: capsule open failed", "path", trimmed, "error", err)
			fmt.Println("capsule open error:", err)
			os.Exit(1)
		}
		logger.Info("glyphcase: capsule opened", "path", trimmed)
	}

	provider := reasoner.NewProvider()
	logger.Info("glyphcase: reasoner provider ready", "provider", provider.Name())

	server, err := api.NewServer(sess, provider)
	if err != nil {
		logger.Error("glyphcase: server construction failed", "error", err)
		fmt.Println("server error:", err)
		os.Exit(1)
	}

	logger.Info("glyphcase: server listening", "addr", *addr, "health", "/healthz")
	fmt.Printf("Serving on %s\n", *addr)
	if err := http.ListenAndServe(*addr, server.Handler()); err != nil {
		logger.Error("glyphcase: server stopped", "error", err)
		fmt.Println("server stopped:", err)
	}
}
