// Package config собирает конфигурацию сервиса:
//  1. переменные окружения из .env (godotenv) с нормализацией и дефолтами;
//  2. список маршрутов из YAML-файла (ROUTES_FILE).
//
// Результат — неизменяемое значение *Config. Некритичные отклонения (пустые
// переменные, неверные числа, битые записи маршрутов) не валят запуск, а
// копятся в Warnings и логируются вызывающим кодом.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"telegram-relay/internal/domain/relay"
)

// Способы отправки в целевые чаты.
const (
	NotifierBot    = "bot"
	NotifierClient = "client"
)

// Config — снимок настроек на момент запуска.
type Config struct {
	APIID       int
	APIHash     string
	PhoneNumber string
	BotToken    string
	Notifier    string
	TestDC      bool

	SessionFile    string
	StateFile      string
	PeersCacheFile string
	DBName         string
	RoutesFile     string
	TmpDir         string

	MaxMessageAge   time.Duration
	AlbumWindow     time.Duration
	PollingInterval time.Duration
	DedupWindowSec  int
	ThrottleRPS     int
	QueueSize       int
	Blacklist       []string

	LogLevel          string
	LogFile           string
	LogFileLevel      string
	LogFileMaxSize    int
	LogFileMaxBackups int
	LogFileMaxAge     int
	LogFileCompress   bool

	Routes []relay.Route

	warnings []string
}

const (
	defaultSessionFile     = "data/session.bin"
	defaultStateFile       = "data/state.bbolt"
	defaultPeersCacheFile  = "data/peers_cache.bbolt"
	defaultDBName          = "data/messages.db"
	defaultRoutesFile      = "assets/routes.yml"
	defaultTmpDir          = "data/tmp"
	defaultMaxMessageAge   = 300
	defaultAlbumWindowMS   = 2000
	defaultPollingInterval = 0
	defaultDedupWindowSec  = 120
	defaultThrottleRPS     = 1
	defaultQueueSize       = 1000
	defaultLogLevel        = "info"

	// LOG_FILE дефолта не имеет: файловый вывод включается только явно.
	defaultLogFileLevel      = "debug"
	defaultLogFileMaxSize    = 50
	defaultLogFileMaxBackups = 3
	defaultLogFileMaxAge     = 7
	defaultLogFileCompress   = true
)

// Load читает .env по пути envPath (отсутствие файла — предупреждение, а не
// ошибка: переменные могут прийти из окружения процесса) и файл маршрутов.
func Load(envPath string) (*Config, error) {
	var warnings []string

	if strings.TrimSpace(envPath) != "" {
		if err := godotenv.Load(envPath); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to load .env: %w", err)
			}
			appendWarningf(&warnings, "env file %q not found; using process environment", envPath)
		}
	}

	cfg, err := fromEnv(&warnings)
	if err != nil {
		return nil, err
	}

	routes, err := LoadRoutes(cfg.RoutesFile, &warnings)
	if err != nil {
		return nil, err
	}
	cfg.Routes = routes
	cfg.warnings = warnings
	return cfg, nil
}

// fromEnv строит Config из текущих переменных окружения без маршрутов.
func fromEnv(warnings *[]string) (*Config, error) {
	apiID, err := parseRequiredInt("API_ID")
	if err != nil {
		return nil, err
	}
	apiHash := strings.TrimSpace(os.Getenv("API_HASH"))
	if apiHash == "" {
		return nil, errors.New("env API_HASH must be set")
	}
	phone := strings.TrimSpace(os.Getenv("PHONE_NUMBER"))
	if phone == "" {
		return nil, errors.New("env PHONE_NUMBER must be set")
	}

	botToken := strings.TrimSpace(os.Getenv("BOT_TOKEN"))
	notifier := sanitizeNotifier(botToken, os.Getenv("NOTIFIER"), warnings)

	maxAge := parseIntDefault("MAX_MESSAGE_AGE_SEC", defaultMaxMessageAge, greaterThanZero, warnings)
	albumMS := parseIntDefault("ALBUM_WINDOW_MS", defaultAlbumWindowMS, greaterThanZero, warnings)
	pollSec := parseIntDefault("POLLING_INTERVAL_SEC", defaultPollingInterval, nonNegative, warnings)

	cfg := &Config{
		APIID:       apiID,
		APIHash:     apiHash,
		PhoneNumber: phone,
		BotToken:    botToken,
		Notifier:    notifier,
		TestDC:      strings.EqualFold(strings.TrimSpace(os.Getenv("TEST_DC")), "true"),

		SessionFile:    sanitizeFile("SESSION_FILE", os.Getenv("SESSION_FILE"), defaultSessionFile, warnings),
		StateFile:      sanitizeFile("STATE_FILE", os.Getenv("STATE_FILE"), defaultStateFile, warnings),
		PeersCacheFile: sanitizeFile("PEERS_CACHE_FILE", os.Getenv("PEERS_CACHE_FILE"), defaultPeersCacheFile, warnings),
		DBName:         sanitizeFile("DB_NAME", os.Getenv("DB_NAME"), defaultDBName, warnings),
		RoutesFile:     sanitizeFile("ROUTES_FILE", os.Getenv("ROUTES_FILE"), defaultRoutesFile, warnings),
		TmpDir:         sanitizeFile("TMP_DIR", os.Getenv("TMP_DIR"), defaultTmpDir, warnings),

		MaxMessageAge:   time.Duration(maxAge) * time.Second,
		AlbumWindow:     time.Duration(albumMS) * time.Millisecond,
		PollingInterval: time.Duration(pollSec) * time.Second,
		DedupWindowSec:  parseIntDefault("DEDUP_WINDOW_SEC", defaultDedupWindowSec, nonNegative, warnings),
		ThrottleRPS:     parseIntDefault("THROTTLE_RPS", defaultThrottleRPS, greaterThanZero, warnings),
		QueueSize:       parseIntDefault("QUEUE_SIZE", defaultQueueSize, greaterThanZero, warnings),
		Blacklist:       parseWordList(os.Getenv("BLACKLIST_WORDS")),

		LogLevel:          sanitizeLogLevel("LOG_LEVEL", os.Getenv("LOG_LEVEL"), defaultLogLevel, warnings),
		LogFile:           strings.TrimSpace(os.Getenv("LOG_FILE")),
		LogFileLevel:      sanitizeLogLevel("LOG_FILE_LEVEL", os.Getenv("LOG_FILE_LEVEL"), defaultLogFileLevel, warnings),
		LogFileMaxSize:    parseIntDefault("LOG_FILE_MAX_SIZE_MB", defaultLogFileMaxSize, greaterThanZero, warnings),
		LogFileMaxBackups: parseIntDefault("LOG_FILE_MAX_BACKUPS", defaultLogFileMaxBackups, nonNegative, warnings),
		LogFileMaxAge:     parseIntDefault("LOG_FILE_MAX_AGE_DAYS", defaultLogFileMaxAge, nonNegative, warnings),
		LogFileCompress:   parseBoolDefault("LOG_FILE_COMPRESS", defaultLogFileCompress, warnings),
	}

	if cfg.Notifier == NotifierBot && cfg.BotToken == "" {
		return nil, errors.New("env BOT_TOKEN must be set when NOTIFIER=bot")
	}
	return cfg, nil
}

// Warnings возвращает копию накопленных предупреждений.
func (c *Config) Warnings() []string {
	out := make([]string, len(c.warnings))
	copy(out, c.warnings)
	return out
}

// routeEntry — запись файла маршрутов. Указатели отличают «не задано» от нуля.
type routeEntry struct {
	Name          string `yaml:"name"`
	SourceID      *int64 `yaml:"sourceId"`
	TargetID      *int64 `yaml:"targetId"`
	SourceTopicID *int   `yaml:"sourceTopicId"`
	TargetTopicID *int   `yaml:"targetTopicId"`
}

// LoadRoutes читает YAML-список маршрутов. Отсутствующий или пустой файл даёт
// пустой список с предупреждением. Записи без sourceId/targetId пропускаются.
// Повтор имени маршрута — ошибка: имя входит в ключ журнала доставок.
func LoadRoutes(path string, warnings *[]string) ([]relay.Route, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			appendWarningf(warnings, "routes file %q not found", path)
			return nil, nil
		}
		return nil, errors.Wrapf(err, "read routes file %q", path)
	}
	return ParseRoutes(data, warnings)
}

// ParseRoutes разбирает содержимое файла маршрутов.
func ParseRoutes(data []byte, warnings *[]string) ([]relay.Route, error) {
	var entries []routeEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, errors.Wrap(err, "parse routes")
	}
	if len(entries) == 0 {
		appendWarningf(warnings, "routes file is empty")
		return nil, nil
	}

	routes := make([]relay.Route, 0, len(entries))
	seen := make(map[string]struct{}, len(entries))
	for i, e := range entries {
		if e.SourceID == nil || e.TargetID == nil || *e.SourceID == 0 || *e.TargetID == 0 {
			appendWarningf(warnings, "route #%d (%q): sourceId and targetId are required; skipped", i, e.Name)
			continue
		}
		name := strings.TrimSpace(e.Name)
		if name == "" {
			name = fmt.Sprintf("route-%d", i)
			appendWarningf(warnings, "route #%d has no name; using %q", i, name)
		}
		if _, dup := seen[name]; dup {
			return nil, errors.Errorf("duplicate route name %q", name)
		}
		seen[name] = struct{}{}

		r := relay.Route{Name: name, SourceID: *e.SourceID, TargetID: *e.TargetID}
		if e.SourceTopicID != nil {
			r.SourceTopicID = *e.SourceTopicID
		}
		if e.TargetTopicID != nil {
			r.TargetTopicID = *e.TargetTopicID
		}
		routes = append(routes, r)
	}
	return routes, nil
}

// parseRequiredInt читает обязательную целочисленную переменную окружения.
func parseRequiredInt(name string) (int, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return 0, fmt.Errorf("env %s must be set", name)
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("env %s must be a valid integer: %w", name, err)
	}
	return v, nil
}

// parseIntDefault читает name как int. Пустое, некорректное или не прошедшее
// validator значение заменяется на defaultVal с предупреждением.
func parseIntDefault(name string, defaultVal int, validator func(int) bool, warnings *[]string) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		appendWarningf(warnings, "env %s is not set; using default %d", name, defaultVal)
		return defaultVal
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		appendWarningf(warnings, "env %s value %q is not a valid integer; using default %d", name, value, defaultVal)
		return defaultVal
	}
	if validator != nil && !validator(v) {
		appendWarningf(warnings, "env %s value %d does not satisfy constraints; using default %d", name, v, defaultVal)
		return defaultVal
	}
	return v
}

func appendWarningf(warnings *[]string, format string, args ...any) {
	if warnings == nil {
		return
	}
	*warnings = append(*warnings, fmt.Sprintf(format, args...))
}

func greaterThanZero(v int) bool { return v > 0 }
func nonNegative(v int) bool     { return v >= 0 }

// parseBoolDefault читает name как bool с дефолтом и предупреждением.
func parseBoolDefault(name string, defaultVal bool, warnings *[]string) bool {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		appendWarningf(warnings, "env %s is not set; using default %v", name, defaultVal)
		return defaultVal
	}
	v, err := strconv.ParseBool(value)
	if err != nil {
		appendWarningf(warnings, "env %s value %q is not a valid boolean; using default %v", name, value, defaultVal)
		return defaultVal
	}
	return v
}

// sanitizeLogLevel ограничивает уровень набором {debug, info, warn, error}.
func sanitizeLogLevel(name, level, defaultVal string, warnings *[]string) string {
	lvl := strings.ToLower(strings.TrimSpace(level))
	if lvl == "" {
		appendWarningf(warnings, "env %s is not set; using default %q", name, defaultVal)
		return defaultVal
	}
	switch lvl {
	case "debug", "info", "warn", "error":
		return lvl
	default:
		appendWarningf(warnings, "env %s value %q is invalid; using default %q", name, level, defaultVal)
		return defaultVal
	}
}

// sanitizeNotifier выбирает способ отправки (bot|client). Без явного значения
// берётся bot при наличии BOT_TOKEN, иначе client.
func sanitizeNotifier(botToken, notifier string, warnings *[]string) string {
	fallback := NotifierClient
	if botToken != "" {
		fallback = NotifierBot
	}
	n := strings.ToLower(strings.TrimSpace(notifier))
	switch n {
	case "":
		appendWarningf(warnings, "env NOTIFIER is not set; using %q", fallback)
		return fallback
	case NotifierBot, NotifierClient:
		return n
	default:
		appendWarningf(warnings, "env NOTIFIER value %q is invalid; using %q", notifier, fallback)
		return fallback
	}
}

// sanitizeFile подставляет fallback вместо пустого пути.
func sanitizeFile(name, value, fallback string, warnings *[]string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		appendWarningf(warnings, "env %s is not set; using default %q", name, fallback)
		return fallback
	}
	return v
}

// parseWordList разбирает CSV стоп-слов: trim, lower-case, без пустых и повторов.
func parseWordList(raw string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, part := range strings.Split(raw, ",") {
		w := strings.ToLower(strings.TrimSpace(part))
		if w == "" {
			continue
		}
		if _, ok := seen[w]; ok {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, w)
	}
	return out
}
