// Package config предоставляет структуры и функцию для парсинга и загрузки конфига
package config

import (
	"log"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config общая структура для хранения настроек
type Config struct {
	Env                     string `yaml:"env" env-default:"local"`
	StorageConnectionString string `yaml:"storage_connection_string" env:"STORAGE_CONNECTION_STRING"`
	MigrationsPath          string `yaml:"migrations_path" env-default:"migrations"`
	Timezone                string `yaml:"timezone" env-default:"UTC"`
	RabbitMQ                `yaml:"rabbitmq"`
	RedisConnection         `yaml:"redis_connection"`
	SMTP                    `yaml:"smtp"`
	Scheduler               `yaml:"scheduler"`
	OpsServer               `yaml:"ops_server"`
}

// RabbitMQ структура для настройки подключения к брокеру сообщений
type RabbitMQ struct {
	RabbitMQURL        string        `yaml:"url" env:"RABBITMQ_URL"`
	RabbitMQMaxRetries int           `yaml:"max_retries" env-default:"5"`
	RabbitMQRetryDelay time.Duration `yaml:"retry_delay" env-default:"3s"`
}

// RedisConnection структура для настройки подключения к redis
type RedisConnection struct {
	AddressRedis string        `yaml:"address"`
	Password     string        `yaml:"password" env:"REDIS_PASSWORD"`
	User         string        `yaml:"user"`
	DB           int           `yaml:"db"`
	MaxRetries   int           `yaml:"max_retries" env-default:"3"`
	DialTimeout  time.Duration `yaml:"dial_timeout" env-default:"5s"`
	TimeoutRedis time.Duration `yaml:"timeout" env-default:"3s"`
}

// SMTP структура для настройки почтового транспорта
type SMTP struct {
	SMTPHost string `yaml:"host"`
	SMTPPort string `yaml:"port" env-default:"587"`
	SMTPUser string `yaml:"user" env:"SMTP_USER"`
	SMTPPass string `yaml:"pass" env:"SMTP_PASS"`
}

// Scheduler структура для настройки планировщика напоминаний
type Scheduler struct {
	// LookaheadDays должно быть не меньше наибольшего срока упреждения
	// среди подписок, иначе напоминания не успеют попасть в журнал.
	LookaheadDays     int           `yaml:"lookahead_days" env-default:"14"`
	ClaimLimit        int           `yaml:"claim_limit" env-default:"100"`
	RunSpec           string        `yaml:"run_spec" env-default:"*/15 * * * *"`
	RolloverSpec      string        `yaml:"rollover_spec" env-default:"@hourly"`
	RolloverLimit     int           `yaml:"rollover_limit" env-default:"500"`
	SendRatePerSecond float64       `yaml:"send_rate_per_second" env-default:"1"`
	SendBurst         int           `yaml:"send_burst" env-default:"3"`
	DeliveryTimeout   time.Duration `yaml:"delivery_timeout" env-default:"10s"`
}

// OpsServer структура для служебного HTTP-сервера (/healthz, /metrics)
type OpsServer struct {
	OpsAddress string `yaml:"address" env-default:":9090"`
}

// MustLoad функция для загрузки конфига, путь берётся из переменной CONFIG_PATH
func MustLoad() *Config {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		log.Fatal("CONFIG_PATH is not set")
	}
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		log.Fatalf("file: %s - does not exist", configPath)
	}
	var cfg Config

	if err := cleanenv.ReadConfig(configPath, &cfg); err != nil {
		log.Fatalf("cannot read config: %s", err)
	}
	return &cfg
}
