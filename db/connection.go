package db

import (
	"database/sql"
	"fmt"
	"os"
	"strconv"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

var DB *sql.DB
var currentDriver string

type Config struct {
	Driver       string
	Host         string
	Port         string
	User         string
	Password     string
	Database     string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

func GetConfigFromEnv() Config {
	driver := os.Getenv("DB_DRIVER")
	if driver == "" {
		driver = "pgx"
	}

	return Config{
		Driver:       driver,
		Host:         GetEnvWithDefault("DB_HOST", "localhost"),
		Port:         GetEnvWithDefault("DB_PORT", "5432"),
		User:         GetEnvWithDefault("DB_USER", "postgres"),
		Password:     GetEnvWithDefault("DB_PASSWORD", "postgres"),
		Database:     GetEnvWithDefault("DB_NAME", "pos_dispatch"),
		SSLMode:      GetEnvWithDefault("DB_SSLMODE", "disable"),
		MaxOpenConns: GetEnvAsInt("DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns: GetEnvAsInt("DB_MAX_IDLE_CONNS", 5),
	}
}

func GetEnvWithDefault(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func GetEnvAsInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return n
}

func Connect() error {
	config := GetConfigFromEnv()
	return ConnectWithConfig(config)
}

func ConnectWithConfig(config Config) error {
	var dsn string
	var err error

	if config.Driver == "sqlite" {
		dsn = config.Database
		if dsn == "" {
			dsn = ":memory:"
		}
	} else {
		dsn = fmt.Sprintf(
			"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
			config.Host, config.Port, config.User, config.Password, config.Database, config.SSLMode,
		)
	}

	DB, err = sql.Open(config.Driver, dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	if err = DB.Ping(); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	if config.MaxOpenConns > 0 {
		DB.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		DB.SetMaxIdleConns(config.MaxIdleConns)
	}

	currentDriver = config.Driver

	return nil
}

func Close() error {
	if DB != nil {
		return DB.Close()
	}
	return nil
}

func GetDB() *sql.DB {
	return DB
}

func IsSQLite() bool {
	return currentDriver == "sqlite"
}
