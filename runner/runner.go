// Package runner selects and configures the process role: API server, queue
// worker, scheduler loop, or migration run.
package runner

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-runewidth"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/term"

	"github.com/vitaltrack/healthsync/connector"
	"github.com/vitaltrack/healthsync/connector/fitband"
	"github.com/vitaltrack/healthsync/connector/phonehealth"
	"github.com/vitaltrack/healthsync/connector/smartwatch"
	"github.com/vitaltrack/healthsync/connector/wristtracker"
	"github.com/vitaltrack/healthsync/events"
	"github.com/vitaltrack/healthsync/events/gonoop"
	"github.com/vitaltrack/healthsync/events/goredis"
	"github.com/vitaltrack/healthsync/models"
)

const (
	RunModeWeb = iota + 1
	RunModeWorker
	RunModeScheduler
	RunModeMigrate
)

var ErrInvalidRunMode = errors.New("invalid run mode")

type Runner interface {
	Run(context.Context) error
	Close(context.Context) error
}

type Config struct {
	Dsn           string
	Addr          string
	Debug         bool
	RunMode       int
	DefaultPolicy string
	SyncFrequency time.Duration
	SchedulerTick time.Duration
}

func ParseConfig() *Config {
	cfg := Config{}

	var (
		worker    bool
		scheduler bool
		migrate   bool
		web       bool
	)

	flag.StringVar(&cfg.Dsn, "dsn", os.Getenv("DATABASE_URL"), "postgres connection string")
	flag.StringVar(&cfg.Addr, "addr", ":8080", "address to listen on for the API server")
	flag.BoolVar(&cfg.Debug, "debug", false, "enable debug logging")
	flag.BoolVar(&web, "web", false, "run the API server")
	flag.BoolVar(&worker, "worker", false, "run the queue worker")
	flag.BoolVar(&scheduler, "scheduler", false, "run the sync scheduler loop")
	flag.BoolVar(&migrate, "migrate", false, "apply database migrations and exit")
	flag.StringVar(&cfg.DefaultPolicy, "default-policy", models.PolicyServerWins, "default conflict resolution policy")
	flag.DurationVar(&cfg.SyncFrequency, "sync-frequency", 15*time.Minute, "default sync frequency for new devices")
	flag.DurationVar(&cfg.SchedulerTick, "scheduler-tick", time.Minute, "scheduler poll interval")

	flag.Parse()

	debugMode = cfg.Debug

	switch {
	case migrate:
		cfg.RunMode = RunModeMigrate
	case worker:
		cfg.RunMode = RunModeWorker
	case scheduler:
		cfg.RunMode = RunModeScheduler
	default:
		cfg.RunMode = RunModeWeb
	}

	if cfg.RunMode == RunModeMigrate && cfg.Dsn == "" {
		panic("Dsn must be provided when running migrations")
	}

	return &cfg
}

var (
	loggerOnce sync.Once
	logger     *zap.Logger
	debugMode  bool
)

// Logger returns the process-wide structured logger. Debug logging is
// enabled by the -debug flag or the DEBUG environment variable.
func Logger() *zap.Logger {
	loggerOnce.Do(func() {
		var err error

		if debugMode || os.Getenv("DEBUG") == "1" {
			logger, err = zap.NewDevelopment()
		} else {
			logger, err = zap.NewProduction()
		}

		if err != nil {
			logger = zap.NewNop()
		}
	})

	return logger
}

var (
	notifierOnce sync.Once
	notifier     events.Notifier
)

// Notifier returns the process-wide sync event publisher. Events go to Redis
// pub/sub when EVENTS_REDIS_URL is set, otherwise they are dropped.
func Notifier() events.Notifier {
	notifierOnce.Do(func() {
		redisURL := os.Getenv("EVENTS_REDIS_URL")
		if redisURL == "" {
			notifier = gonoop.New()

			return
		}

		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			Logger().Warn("invalid EVENTS_REDIS_URL, events disabled", zap.Error(err))

			notifier = gonoop.New()

			return
		}

		notifier = goredis.New(redis.NewClient(opts), os.Getenv("EVENTS_CHANNEL"))
	})

	return notifier
}

// RegisterConnectors wires every vendor adapter into the connector registry.
// Base URLs come from the environment so staging vendors can be pointed at
// mocks.
func RegisterConnectors() {
	connector.Register(phonehealth.New(
		phonehealth.WithBaseURL(envOr("PHONE_HEALTH_API_URL", "https://api.phonehealth.example.com")),
	))
	connector.Register(fitband.New(envOr("FITBAND_API_URL", "https://api.fitband.example.com"), http.DefaultClient))
	connector.Register(smartwatch.New(envOr("SMARTWATCH_API_URL", "https://api.smartwatch.example.com"), http.DefaultClient))
	connector.Register(wristtracker.New(envOr("WRIST_TRACKER_API_URL", "https://api.wristtracker.example.com"), http.DefaultClient))
}

// OAuthConfigs builds the per-vendor OAuth2 client configurations from the
// environment. Vendors without credentials configured are left out; their
// token refreshes will fail loudly rather than silently use a wrong client.
func OAuthConfigs() map[string]*oauth2.Config {
	configs := make(map[string]*oauth2.Config)

	vendors := map[string]string{
		models.DeviceTypePhoneHealth:  "PHONE_HEALTH",
		models.DeviceTypeFitnessBand:  "FITBAND",
		models.DeviceTypeSmartwatch:   "SMARTWATCH",
		models.DeviceTypeWristTracker: "WRIST_TRACKER",
	}

	for deviceType, prefix := range vendors {
		clientID := os.Getenv(prefix + "_CLIENT_ID")
		if clientID == "" {
			continue
		}

		configs[deviceType] = &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: os.Getenv(prefix + "_CLIENT_SECRET"),
			Endpoint: oauth2.Endpoint{
				AuthURL:  os.Getenv(prefix + "_AUTH_URL"),
				TokenURL: os.Getenv(prefix + "_TOKEN_URL"),
			},
		}
	}

	return configs
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}

	return fallback
}

func wrapText(text string, width int) []string {
	var lines []string

	currentLine := ""
	currentWidth := 0

	for _, r := range text {
		runeWidth := runewidth.RuneWidth(r)
		if currentWidth+runeWidth > width {
			lines = append(lines, currentLine)
			currentLine = string(r)
			currentWidth = runeWidth
		} else {
			currentLine += string(r)
			currentWidth += runeWidth
		}
	}

	if currentLine != "" {
		lines = append(lines, currentLine)
	}

	return lines
}

func banner(messages []string, width int) string {
	if width <= 0 {
		var err error

		width, _, err = term.GetSize(0)
		if err != nil {
			width = 80
		}
	}

	if width < 20 {
		width = 20
	}

	contentWidth := width - 4

	var wrappedLines []string
	for _, message := range messages {
		wrappedLines = append(wrappedLines, wrapText(message, contentWidth)...)
	}

	var builder strings.Builder

	builder.WriteString("╔" + strings.Repeat("═", width-2) + "╗\n")

	for _, line := range wrappedLines {
		lineWidth := runewidth.StringWidth(line)
		paddingRight := contentWidth - lineWidth

		if paddingRight < 0 {
			paddingRight = 0
		}

		builder.WriteString(fmt.Sprintf("║ %s%s ║\n", line, strings.Repeat(" ", paddingRight)))
	}

	builder.WriteString("╚" + strings.Repeat("═", width-2) + "╝\n")

	return builder.String()
}

func Banner() {
	message1 := "⌚ HealthSync - wearable data synchronization engine"
	message2 := "Connectors: " + strings.Join(connector.Types(), ", ")

	fmt.Fprintln(os.Stderr, banner([]string{message1, message2}, 0))
}
