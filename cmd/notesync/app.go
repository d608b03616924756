package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"golang.org/x/oauth2"

	"github.com/kuitang/notesync/internal/config"
	"github.com/kuitang/notesync/internal/connectivity"
	"github.com/kuitang/notesync/internal/crypto"
	"github.com/kuitang/notesync/internal/db"
	"github.com/kuitang/notesync/internal/engine"
	"github.com/kuitang/notesync/internal/obs"
	"github.com/kuitang/notesync/internal/remote"
	"github.com/kuitang/notesync/internal/s3client"
	"github.com/kuitang/notesync/internal/syncstate"
)

// app is one opened client: configuration, key material, state store and engine.
type app struct {
	cfg    *config.Config
	keys   *crypto.KeyManager
	engine *engine.Engine
	prober *connectivity.Prober
	errOut io.Writer

	closers []func() error
}

type appOptions struct {
	// autoSync lets the engine replay on every offline→online edge.
	autoSync bool
	// skipEngine opens only the configuration and key database.
	skipEngine bool
}

// openApp wires config → keys.db → DEK → state store → remote client → engine.
func openApp(ctx context.Context, opts *rootOptions, errOut io.Writer, ao appOptions) (*app, error) {
	cfg, err := config.Load(opts.overrides())
	if err != nil {
		return nil, err
	}
	if err := db.ValidateProfile(cfg.Profile); err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, errOut: errOut}

	masterKey, err := cfg.MasterKeyBytes()
	if err != nil {
		return nil, err
	}
	keysDB, err := db.OpenKeysDB(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, keysDB.Close)
	a.keys = crypto.NewKeyManager(masterKey, keysDB)
	if ao.skipEngine {
		return a, nil
	}

	dek, err := a.keys.GetOrCreateDEK(ctx, cfg.Profile)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("unlock profile %s: %w", cfg.Profile, err)
	}

	store, err := a.openStore(ctx, dek)
	if err != nil {
		a.Close()
		return nil, err
	}

	client, err := remote.NewClient(remote.Options{
		BaseURL:       cfg.APIURL,
		TokenSource:   tokenSource(cfg.Token),
		Timeout:       cfg.RequestTimeout,
		RatePerSecond: cfg.RateRPS,
		Burst:         cfg.RateBurst,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	var oracle connectivity.Oracle
	if opts.offline {
		oracle = connectivity.NewManual(false)
	} else {
		a.prober = connectivity.NewProber(connectivity.ProberOptions{
			URL:      cfg.ProbeURL,
			Interval: cfg.ProbeInterval,
		})
		a.prober.Probe(ctx)
		oracle = a.prober
	}

	a.engine, err = engine.New(ctx, engine.Config{
		Remote:     client,
		Oracle:     oracle,
		Store:      store,
		AuthHook:   a.reportAuthFailure,
		ManualSync: !ao.autoSync,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.closers = append(a.closers, a.engine.Close)
	return a, nil
}

func (a *app) openStore(ctx context.Context, dek []byte) (syncstate.Store, error) {
	switch a.cfg.Store {
	case config.StoreS3:
		client, err := s3client.New(ctx, s3client.Config{
			Endpoint:        a.cfg.S3.Endpoint,
			Region:          a.cfg.S3.Region,
			AccessKeyID:     a.cfg.S3.AccessKeyID,
			SecretAccessKey: a.cfg.S3.SecretAccessKey,
			BucketName:      a.cfg.S3.Bucket,
			UsePathStyle:    a.cfg.S3.UsePathStyle,
		})
		if err != nil {
			return nil, err
		}
		return s3client.NewStateStore(client, a.cfg.Profile, dek)
	default:
		store, err := db.OpenStateStore(a.cfg.DataDir, a.cfg.Profile, dek)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, store.Close)
		return store, nil
	}
}

// tokenSource returns nil without a token so requests go out unauthenticated.
func tokenSource(token string) oauth2.TokenSource {
	if token == "" {
		return nil
	}
	return remote.StaticToken(token)
}

func (a *app) reportAuthFailure(err error) {
	fmt.Fprintf(a.errOut, "warning: the notes API rejected the credentials (%v); check NOTESYNC_TOKEN\n", err)
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if len(errs) > 0 {
		obs.Pkg("notesync").Warn("close_failed", "error", errors.Join(errs...))
	}
	return errors.Join(errs...)
}
