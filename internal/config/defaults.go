package config

import "time"

func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:        "0.0.0.0",
			Port:        8080,
			ServiceName: "agentbridge",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Engine: EngineConfig{
			Location: "us-central1",
			Timeout:  60 * time.Second,
		},
		WhatsApp: WhatsAppConfig{
			APIBase:         "https://graph.facebook.com/v21.0",
			WebhookPath:     "/webhook",
			SendTimeout:     30 * time.Second,
			DownloadTimeout: 30 * time.Second,
		},
		Speech: SpeechConfig{
			// WhatsApp voice notes are Opus in an Ogg container at 16 kHz.
			LanguageCode:       "es-US",
			Encoding:           "OGG_OPUS",
			SampleRateHertz:    16000,
			Timeout:            60 * time.Second,
			LongRunningTimeout: 5 * time.Minute,
		},
		Sessions: SessionsConfig{
			Backend:             "memory",
			DBPath:              "~/.agentbridge/sessions.db",
			FirestoreCollection: "whatsapp_sessions",
		},
		Pipeline: PipelineConfig{
			AdvisoryThreshold: 0.7,
			PrefaceThreshold:  0.8,
			MaxConcurrency:    4,
			EventTimeout:      120 * time.Second,
			DedupeTTL:         10 * time.Minute,
			DedupeMaxSize:     10000,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}
