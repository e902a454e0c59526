// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Phala Network (https://phala.network/).
// Copyright 2024-present Phala Network, Inc.

// trust-center verifies dstack TEE deployments: it mirrors the upstream app
// inventory, runs attestation verification chains over a Redis queue and
// publishes the resulting reports.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Phala-Network/trust-center/pkg/api"
	"github.com/Phala-Network/trust-center/pkg/artifact"
	"github.com/Phala-Network/trust-center/pkg/config"
	"github.com/Phala-Network/trust-center/pkg/cron"
	"github.com/Phala-Network/trust-center/pkg/fetcher"
	"github.com/Phala-Network/trust-center/pkg/metabase"
	"github.com/Phala-Network/trust-center/pkg/onchain"
	"github.com/Phala-Network/trust-center/pkg/queue"
	"github.com/Phala-Network/trust-center/pkg/store"
	"github.com/Phala-Network/trust-center/pkg/syncer"
	"github.com/Phala-Network/trust-center/pkg/util/log"
	"github.com/Phala-Network/trust-center/pkg/verification"
	"github.com/Phala-Network/trust-center/pkg/verifier"
)

const (
	dstackRepo          = "Dstack-TEE/dstack"
	failedTaskRetention = 24 * time.Hour
	shutdownTimeout     = 30 * time.Second
)

func main() {
	if err := run(); err != nil {
		log.Errorf("trust-center exited: %v", err)
		log.Flush()
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := log.SetupLogger(cfg.LogLevel, cfg.IsDevelopment()); err != nil {
		return fmt.Errorf("setup logger: %w", err)
	}
	defer log.Flush()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()

	deps, err := buildVerifierDeps(ctx, cfg, rdb)
	if err != nil {
		return err
	}
	commits := fetcher.NewCommitResolver(dstackRepo)

	flags, err := parseVerificationFlags(cfg.VerificationFlags)
	if err != nil {
		return err
	}

	sink, err := buildSink(ctx, cfg)
	if err != nil {
		return err
	}

	processor, err := queue.NewProcessor(db, sink, func() queue.Verifier {
		return verification.NewService(deps, commits)
	}, flags)
	if err != nil {
		return err
	}

	jobs, err := queue.New(rdb, queue.Options{
		Name:         cfg.QueueName,
		Concurrency:  cfg.QueueConcurrency,
		MaxAttempts:  cfg.QueueMaxAttempts,
		BackoffDelay: cfg.QueueBackoffDelay,
	}, processor.Process)
	if err != nil {
		return err
	}

	inventory := metabase.NewClient(cfg.MetabaseURL, cfg.MetabaseAPIKey,
		cfg.MetabaseAppsCardID, cfg.MetabaseProfilesCardID)
	sync, err := syncer.New(inventory, db, jobs)
	if err != nil {
		return err
	}

	sched := cron.New()
	if err := registerCronJobs(sched, cfg, db, sync); err != nil {
		return err
	}

	server, err := api.New(fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		jobs, db, sched, sync, cfg.CronAPIKey)
	if err != nil {
		return err
	}

	jobs.Start(ctx)
	if err := sched.StartAll(); err != nil {
		return err
	}

	serveErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	log.Infof("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := sched.Shutdown(shutdownCtx); err != nil {
		log.Warnf("cron shutdown: %v", err)
	}
	if err := jobs.Close(); err != nil {
		log.Warnf("queue shutdown: %v", err)
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warnf("http shutdown: %v", err)
	}
	return nil
}

func buildVerifierDeps(ctx context.Context, cfg *config.Config, rdb redis.UniversalClient) (verifier.Deps, error) {
	attestation := fetcher.NewAttestationClient(cfg.PhalaCloudAPIURL)
	deps := verifier.Deps{
		SystemInfo: attestation,
		AppRPC:     attestation,
		Gateway:    fetcher.NewGatewayClient(),
		Tool:       fetcher.NewToolExec(cfg.DcapQvlPath, cfg.DstackMrPath, cfg.LegacyDstackMrPath),
		Images:     fetcher.NewImageRepository(cfg.ImageRepoBaseURL, cfg.ImageCacheDir),
		CT:         fetcher.NewCTLogClient(rdb),
		DNS:        fetcher.NewDNSClient(),
		ITAAPIKey:  cfg.ITAAPIKey,
	}
	if cfg.ITAAPIKey != "" {
		deps.ITA = fetcher.NewITAClient(rdb)
	}
	if cfg.EthRpcURL != "" {
		registry, err := onchain.Dial(ctx, cfg.EthRpcURL)
		if err != nil {
			return verifier.Deps{}, fmt.Errorf("dial chain rpc: %w", err)
		}
		deps.Registry = registry
	} else {
		log.Warnf("ETH_RPC_URL is not set, on-chain checks are disabled")
	}
	return deps, nil
}

// parseVerificationFlags decodes the optional VERIFICATION_FLAGS JSON
// override, e.g. {"ctLog":true}.
func parseVerificationFlags(raw string) (*verifier.Flags, error) {
	if raw == "" {
		return nil, nil
	}
	flags := verifier.DefaultFlags()
	if err := json.Unmarshal([]byte(raw), &flags); err != nil {
		return nil, fmt.Errorf("parse VERIFICATION_FLAGS: %w", err)
	}
	return &flags, nil
}

// buildSink picks the report destination. Development without a bucket
// keeps reports local so the pipeline stays runnable.
func buildSink(ctx context.Context, cfg *config.Config) (queue.ReportSink, error) {
	if cfg.S3Bucket != "" {
		sink, err := artifact.NewS3Sink(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return sink, nil
	}
	if !cfg.IsDevelopment() {
		return nil, fmt.Errorf("S3_BUCKET is required outside development")
	}
	log.Warnf("S3_BUCKET is not set, reports will not be persisted")
	return devSink{}, nil
}

func registerCronJobs(sched *cron.Scheduler, cfg *config.Config, db *store.Store, sync *syncer.Syncer) error {
	jobs := []struct {
		name    string
		pattern string
		fn      cron.JobFunc
	}{
		{"cleanup-failed-tasks", cfg.CleanupCronPattern, func(ctx context.Context) error {
			_, err := db.CleanupFailedTasks(ctx, failedTaskRetention)
			return err
		}},
		{"sync-profiles", cfg.ProfileCronPattern, func(ctx context.Context) error {
			_, err := sync.SyncProfiles(ctx)
			return err
		}},
		{"sync-tasks", cfg.TasksCronPattern, func(ctx context.Context) error {
			if _, err := sync.SyncApps(ctx); err != nil {
				return err
			}
			_, err := sync.EnqueueNeeded(ctx)
			return err
		}},
	}
	for _, j := range jobs {
		if err := sched.Register(j.name, j.pattern, j.fn); err != nil {
			return err
		}
	}
	return nil
}

// devSink drops reports on the floor, development only.
type devSink struct{}

func (devSink) UploadJSON(_ context.Context, _ interface{}) (*artifact.Location, error) {
	name := uuid.NewString() + ".json"
	return &artifact.Location{Bucket: "dev-null", Key: "reports/" + name, Filename: name}, nil
}
