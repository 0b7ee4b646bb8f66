package main

import (
	"fmt"

	"github.com/rs/zerolog"

	"chatcore/config"
	"chatcore/e2e"
	"chatcore/engine"
	"chatcore/keystore"
	"chatcore/logger"
	"chatcore/storage"
)

// app holds the collaborators shared by every subcommand. base is handed
// to the components, which tag their own output; log is the CLI's own.
type app struct {
	cfg     *config.ClientConfig
	userID  string
	store   *storage.Store
	secrets *keystore.FileStorage
	keys    *keystore.KeyStore
	base    zerolog.Logger
	log     zerolog.Logger
}

func openApp() (*app, error) {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	base := logger.Init(cfg.Environment, cfg.LogLevel)
	log := logger.Component("cli")

	dataDir, err := config.ResolveDataDir()
	if err != nil {
		return nil, err
	}
	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	secrets, err := keystore.NewFileStorage(cfg.KeysDir)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	keys, err := keystore.New(keystore.Options{
		Storage:   secrets,
		Directory: store,
		Audit:     store,
		Logger:    base,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	userID := cfg.UserID
	if userOverride != "" {
		userID = userOverride
	}

	log.Debug().
		Str("config", cfgPath).
		Str("database", dbPath).
		Str("user_id", userID).
		Msg("client opened")

	return &app{
		cfg:     cfg,
		userID:  userID,
		store:   store,
		secrets: secrets,
		keys:    keys,
		base:    base,
		log:     log,
	}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.log.Warn().Err(err).Msg("close database")
	}
}

// client builds an encryption-aware client for the selected conversation.
func (a *app) client(conversation string) (*e2e.Client, error) {
	eng, err := engine.New(engine.Options{
		ConversationID:   conversation,
		UserID:           a.userID,
		Store:            a.store,
		Media:            a.store,
		Cache:            a.store,
		PageSize:         a.cfg.PageSize,
		FlushWindow:      a.cfg.FlushWindow(),
		OperationTimeout: a.cfg.OperationTimeout(),
		Logger:           a.base,
	})
	if err != nil {
		return nil, err
	}

	return e2e.New(e2e.Options{
		Engine:      eng,
		Keys:        a.keys,
		Storage:     a.secrets,
		Audit:       a.store,
		UserID:      a.userID,
		RecipientID: recipientID,
		Logger:      a.base,
	})
}
