package config

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "./data/store"
	}
	if cfg.Storage.UploadDir == "" {
		cfg.Storage.UploadDir = "./data/uploads"
	}
	if cfg.Inference.BaseURL == "" {
		cfg.Inference.BaseURL = "http://localhost:11434"
	}
	if cfg.Inference.Model == "" {
		cfg.Inference.Model = "llama3"
	}
	if cfg.Inference.EmbeddingModel == "" {
		cfg.Inference.EmbeddingModel = "nomic-embed-text"
	}
	if cfg.Inference.TimeoutSecs == 0 {
		cfg.Inference.TimeoutSecs = 120
	}
	if cfg.RAG.TopK == 0 {
		cfg.RAG.TopK = 4
	}
	if cfg.RAG.ChunkSize == 0 {
		cfg.RAG.ChunkSize = 512
	}
	if cfg.RAG.ChunkOverlap == 0 {
		cfg.RAG.ChunkOverlap = 50
	}
	if cfg.RAG.HistoryWindow == 0 {
		cfg.RAG.HistoryWindow = 5
	}
	if cfg.RAG.EmbedCacheSize == 0 {
		cfg.RAG.EmbedCacheSize = 10000
	}
	if cfg.Watch.DebounceMS == 0 {
		cfg.Watch.DebounceMS = 400
	}
}
