// =============================================================================
// 📦 StreamStack 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		KV:        DefaultKVConfig(),
		Queue:     DefaultQueueConfig(),
		RateLimit: DefaultRateLimitConfig(),
		Provider:  DefaultProviderConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8000,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    0, // streaming responses need an unbounded write window
		ShutdownTimeout: 15 * time.Second,
		FloodRPS:        0,
		FloodBurst:      200,
	}
}

// DefaultKVConfig 返回默认键值存储配置
func DefaultKVConfig() KVConfig {
	return KVConfig{
		URL:          "redis://localhost:6379/0",
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     100,
		MinIdleConns: 2,
		MaxRetries:   3,
	}
}

// DefaultQueueConfig 返回默认队列配置
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		Name:            "default",
		Async:           false,
		MaxSize:         1000,
		RequestTimeout:  300 * time.Second,
		DequeueWait:     10 * time.Second,
		CleanupInterval: 60 * time.Second,
		ResultRetention: 600 * time.Second,
		Workers:         4,
	}
}

// DefaultRateLimitConfig 返回默认限流配置
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Enabled:           true,
		RequestsPerMinute: 100,
		TokensPerMinute:   10000,
		BurstSize:         10,
	}
}

// DefaultProviderConfig 返回默认上游配置
func DefaultProviderConfig() ProviderConfig {
	return ProviderConfig{
		Name:         "openai",
		APIKey:       "",
		BaseURL:      "",
		DefaultModel: "gpt-3.5-turbo",
		Timeout:      60 * time.Second,
		MaxRetries:   3,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "streamstack",
		SampleRate:   0.1,
	}
}
