package main

import (
	"context"
	"fmt"

	"agentbridge/internal/config"
	"agentbridge/internal/credentials"
	"agentbridge/internal/domain"
	"agentbridge/internal/engine"
	"agentbridge/internal/session"
	"agentbridge/internal/speech"
	"agentbridge/internal/store"
	"agentbridge/internal/whatsapp"
)

func newEngine(ctx context.Context, cfg *config.Config) (*engine.Client, error) {
	if cfg.Engine.Project == "" || cfg.Engine.EngineID == "" {
		return nil, fmt.Errorf("engine project and engine id are required (GOOGLE_CLOUD_PROJECT, REASONING_ENGINE_ID)")
	}

	var headers credentials.HeaderSource
	if cfg.Engine.AccessToken != "" {
		logger.Info("engine credentials: static access token")
		headers = credentials.NewStaticProvider(cfg.Engine.AccessToken, logger)
	} else {
		p, err := credentials.NewDefaultProvider(ctx, logger)
		if err != nil {
			return nil, err
		}
		headers = p
	}

	return engine.NewClient(engine.ClientConfig{
		Project:  cfg.Engine.Project,
		Location: cfg.Engine.Location,
		EngineID: cfg.Engine.EngineID,
		APIBase:  cfg.Engine.APIBase,
		Headers:  headers,
		Timeout:  cfg.Engine.Timeout,
		Logger:   logger,
	}), nil
}

func newRegistry(ctx context.Context, cfg *config.Config, creator session.SessionCreator) (*session.Registry, domain.SessionStore, error) {
	st, err := store.Open(ctx, cfg.Sessions, cfg.Engine.Project, logger)
	if err != nil {
		return nil, nil, err
	}
	return session.NewRegistry(session.RegistryConfig{
		Store:         st,
		Creator:       creator,
		CreateTimeout: cfg.Engine.Timeout,
		Logger:        logger,
	}), st, nil
}

func newWhatsApp(cfg *config.Config) *whatsapp.Client {
	return whatsapp.NewClient(whatsapp.ClientConfig{
		APIBase:         cfg.WhatsApp.APIBase,
		AccessToken:     cfg.WhatsApp.AccessToken,
		PhoneNumberID:   cfg.WhatsApp.PhoneNumberID,
		SendTimeout:     cfg.WhatsApp.SendTimeout,
		DownloadTimeout: cfg.WhatsApp.DownloadTimeout,
		Logger:          logger,
	})
}

func newTranscriber(ctx context.Context, cfg *config.Config) (*speech.Transcriber, speech.Recognizer, error) {
	rec, err := speech.NewCloudRecognizer(ctx)
	if err != nil {
		return nil, nil, err
	}
	return speech.NewTranscriber(speech.TranscriberConfig{
		Recognizer:         rec,
		Timeout:            cfg.Speech.Timeout,
		LongRunningTimeout: cfg.Speech.LongRunningTimeout,
		Logger:             logger,
	}), rec, nil
}

func speechOptions(cfg *config.Config) speech.Options {
	return speech.Options{
		LanguageCode:    cfg.Speech.LanguageCode,
		Encoding:        cfg.Speech.Encoding,
		SampleRateHertz: cfg.Speech.SampleRateHertz,
	}
}
