// crossingd wires the boundary-crossing kernel from environment
// configuration and boundary manifests, then runs one demonstration
// crossing against the first registered boundary.
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"

	"github.com/invariantlabs/crossing/pkg/approval"
	"github.com/invariantlabs/crossing/pkg/config"
	"github.com/invariantlabs/crossing/pkg/credential"
	"github.com/invariantlabs/crossing/pkg/idempotency"
	"github.com/invariantlabs/crossing/pkg/kernel"
	"github.com/invariantlabs/crossing/pkg/predicate"
	"github.com/invariantlabs/crossing/pkg/registry"
	"github.com/invariantlabs/crossing/pkg/schema"
	"github.com/invariantlabs/crossing/pkg/usage"
	"github.com/invariantlabs/crossing/pkg/wal"
)

func main() {
	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))
	ctx := context.Background()

	reg := registry.NewSet()
	manifests, err := config.LoadAllBoundaries(cfg.BoundaryDir)
	if err != nil {
		log.Fatalf("load boundaries: %v", err)
	}
	if len(manifests) == 0 {
		log.Fatalf("no boundary manifests in %s", cfg.BoundaryDir)
	}
	for _, m := range manifests {
		if err := reg.RegisterBoundary(m.Boundary()); err != nil {
			log.Fatalf("register boundary %q: %v", m.ID, err)
		}
		logger.Info("boundary registered", "boundary", m.ID, "version", m.Boundary().Version)
	}

	// Credential verification keys: configured, or an ephemeral pair for
	// local runs (the demo mints its own credential with it).
	var signer *credential.Signer
	kid := cfg.VerifyKid
	keys := map[string]ed25519.PublicKey{}
	if cfg.VerifyKey != "" {
		raw, err := hex.DecodeString(cfg.VerifyKey)
		if err != nil || len(raw) != ed25519.PublicKeySize {
			log.Fatalf("VERIFY_KEY is not a hex ed25519 public key")
		}
		keys[kid] = ed25519.PublicKey(raw)
	} else {
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			log.Fatalf("generate keypair: %v", err)
		}
		kid = "ephemeral"
		keys[kid] = pub
		signer = credential.NewSigner(kid, priv)
		logger.Warn("using ephemeral verification key", "kid", kid)
	}
	verifier := credential.NewVerifier(credential.NewStaticKeySource(keys), 5*time.Minute)

	// Backends: remote when configured, in-process otherwise.
	var revocations credential.RevocationCache = credential.NewMemoryRevocationCache()
	var dedup idempotency.Store = idempotency.NewMemoryStore()
	var tracker usage.Tracker = usage.NewMemoryTracker()
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		revocations = credential.NewRedisRevocationCache(client)
		dedup = idempotency.NewRedisStore(client)
		tracker = usage.NewRedisTracker(client)
		logger.Info("redis backends enabled", "addr", cfg.RedisAddr)
	}
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("open postgres: %v", err)
		}
		defer func() { _ = db.Close() }()
		pg := usage.NewPostgresTracker(db)
		if err := pg.Migrate(ctx); err != nil {
			log.Fatalf("migrate usage schema: %v", err)
		}
		tracker = pg
		logger.Info("postgres usage tracker enabled")
	}

	var sink wal.Sink = wal.NewLedger()
	if cfg.WALPath != "" {
		db, err := sql.Open("sqlite", cfg.WALPath)
		if err != nil {
			log.Fatalf("open audit log: %v", err)
		}
		defer func() { _ = db.Close() }()
		sink, err = wal.NewSQLiteSink(db)
		if err != nil {
			log.Fatalf("init audit log: %v", err)
		}
		logger.Info("sqlite audit log enabled", "path", cfg.WALPath)
	}

	manager := approval.NewManager().WithNotifier(func(req approval.Request) {
		logger.Info("approval requested",
			"request", req.ID, "boundary", req.BoundaryID, "confidence", req.Confidence)
	})

	evaluator, err := predicate.NewCELEvaluator()
	if err != nil {
		log.Fatalf("init predicate evaluator: %v", err)
	}

	k := kernel.New(reg, kernel.Deps{
		Schema:      schema.NewGate(reg.Schemas),
		Credential:  credential.NewGate(verifier, revocations),
		Usage:       tracker,
		Idempotency: dedup,
		WAL:         sink,
		Approval:    approval.NewGate(manager, autoScorer{}),
		Predicate:   predicate.NewGate(evaluator, reg.Predicates),
	}, kernel.WithLogger(logger))

	if signer == nil {
		logger.Info("kernel ready", "boundaries", len(manifests))
		return
	}
	runDemo(ctx, k, signer, manifests[0], logger)
}

// autoScorer trusts every crossing. Local runs exercise the approval path by
// setting a confidence_threshold above 1 in the boundary manifest.
type autoScorer struct{}

func (autoScorer) Score(ctx context.Context, key string, payload map[string]any) (float64, error) {
	return 1.0, nil
}

func logLevel(name string) slog.Level {
	switch strings.ToUpper(name) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func runDemo(ctx context.Context, k *kernel.Kernel, signer *credential.Signer, m *config.BoundaryManifest, logger *slog.Logger) {
	b := m.Boundary()
	token, err := signer.Mint("demo-agent", "demo-tenant", b.Permissions.Required, time.Hour, time.Now())
	if err != nil {
		log.Fatalf("mint demo credential: %v", err)
	}

	payload := map[string]any{}
	crossing, err := k.Begin(ctx, b.ID, payload, token)
	if err != nil {
		logger.Error("demo crossing denied", "boundary", b.ID, "error", err)
		return
	}
	result := crossing.Complete(crossing.Attach(ctx), map[string]any{"status": "ok"})
	logger.Info("demo crossing finished",
		"boundary", b.ID, "status", string(result.Status), "reason", result.Reason)
}
