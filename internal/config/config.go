package config // package config loads application configuration from environment variables

import (
    "log"     // log is used to report configuration errors and halt execution
    "os"      // os provides access to environment variables
    "strings" // strings normalises the driver name
)

// Config holds all runtime configuration values.  Each field corresponds to
// an environment variable.  Connection settings that do not apply to the
// selected DB_DRIVER may be left empty.
type Config struct {
    Env        string // application environment (e.g. "dev", "prod")
    Port       string // HTTP port to listen on
    DBDriver   string // mysql, postgres or sqlite
    DBUser     string // database username
    DBPass     string // database password (optional)
    DBHost     string // database host address
    DBPort     string // database port number
    DBName     string // database name
    DBSSLMode  string // postgres sslmode
    SQLitePath string // database file when DB_DRIVER=sqlite
    JWTSecret  string // secret used to verify JWTs

    Booking BookingConfig // unit of work timeouts and retry policy
    Events  EventsConfig  // booking event publication and consumption
}

// Load reads configuration values from environment variables and returns a
// Config.  Required variables are enforced by must() and missing values
// cause the program to exit with a fatal log message.  The network
// database settings are only required for mysql and postgres.
func Load() Config {
    cfg := Config{
        Env:        must("APP_ENV"),                         // environment (dev/test/prod)
        Port:       must("APP_PORT"),                        // port to bind the HTTP server
        DBDriver:   strings.ToLower(envStr("DB_DRIVER", "mysql")),
        DBPass:     os.Getenv("DB_PASS"),                    // database password (empty allowed)
        DBSSLMode:  envStr("DB_SSLMODE", "disable"),
        SQLitePath: envStr("SQLITE_PATH", "skillshare.db"),
        JWTSecret:  must("JWT_SECRET"),                      // secret used for verifying JWTs
        Booking:    LoadBookingConfig(),
        Events:     LoadEventsConfig(),
    }
    if cfg.DBDriver != "sqlite" {
        cfg.DBUser = must("DB_USER") // database user
        cfg.DBHost = must("DB_HOST") // database host
        cfg.DBPort = must("DB_PORT") // database port
        cfg.DBName = must("DB_NAME") // database name
    }
    return cfg
}

// must retrieves the value of a required environment variable.  If the
// variable is unset or empty, the application logs a fatal error and exits.
func must(key string) string {
    v, ok := os.LookupEnv(key)
    if !ok || v == "" {
        log.Fatalf("missing required env var: %s", key)
    }
    return v
}
