// Пакет config отвечает за сбор и предоставление конфигурации демона
// синхронизации (MTProto). Он:
//  1. читает переменные окружения из .env (через godotenv), если файл есть,
//  2. нормализует и валидирует входные значения,
//  3. вычисляет производные пути внутри каталога данных (data.db, cache.db,
//     pid-файл, каталог фикстур),
//  4. предоставляет доступ к результату через singleton-снимок.
//
// Бизнес-контекст: демон ведёт локальное SQL-зеркало сообщений для нескольких
// аккаунтов. Конфиг среды управляет подключением к Telegram API, каталогом
// данных, скоростными лимитами, размером батча истории, режимом record/replay
// для фикстур и прочими «ручками».
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/joho/godotenv"
)

// EnvConfig описывает параметры, приходящие из окружения (.env). Это
// «операционные» настройки запуска: учетные данные MTProto, каталог данных,
// лог-уровень, ограничения по скорости, флаги тестового DC и фикстур.
//
// NB: значения уже проходят минимальную валидацию и нормализацию в loadConfig.
// В рантайме по месту использования предполагается, что EnvConfig последователен.
type EnvConfig struct {
	APIID   int
	APIHash string
	// DataDir — корень всех данных демона (~/.telegram-cli по умолчанию).
	DataDir  string
	LogLevel string
	// LogFile — путь файла лога с ротацией; пусто = только stderr.
	LogFile     string
	ThrottleRPS int
	// DedupWindowSec — окно подавления повторно доставленных апдейтов.
	DedupWindowSec int
	// SyncBatchSize — лимит messages.getHistory на одно выполнение джобы.
	SyncBatchSize      int
	TickIntervalMS     int
	JobSpacingMS       int
	ShutdownTimeoutSec int
	TestDC             bool
	// Режим фикстур: запись реальных ответов или воспроизведение без сети.
	RecordAPI   bool
	ReplayAPI   bool
	FixturesDir string
}

// DataDBPath возвращает путь реестра аккаунтов.
func (e EnvConfig) DataDBPath() string { return filepath.Join(e.DataDir, "data.db") }

// CacheDBPath возвращает путь зеркала сообщений и состояния синхронизации.
func (e EnvConfig) CacheDBPath() string { return filepath.Join(e.DataDir, "cache.db") }

// PIDPath возвращает путь pid-файла демона.
func (e EnvConfig) PIDPath() string { return filepath.Join(e.DataDir, "daemon.pid") }

// SessionDBPath возвращает путь bbolt-файла с сессией и состоянием апдейтов аккаунта.
func (e EnvConfig) SessionDBPath(accountID int64) string {
	return filepath.Join(e.DataDir, fmt.Sprintf("session_%d.db", accountID))
}

// Config хранит конфигурацию среды.
//
// Потокобезопасность: снимок неизменяем после Load; геттеры берут RLock только
// ради списка предупреждений.
type Config struct {
	Env      EnvConfig
	warnings []string     // предупреждения, накопленные при чтении окружения
	mu       sync.RWMutex // защита конкурентного доступа к конфигурации
}

// Значения по умолчанию для параметров окружения.
const (
	defaultLogLevel           = "info"
	defaultThrottleRPS        = 1
	defaultDedupWindowSec     = 120
	defaultSyncBatchSize      = 100
	defaultTickIntervalMS     = 1000
	defaultJobSpacingMS       = 500
	defaultShutdownTimeoutSec = 30
	// defaultDataDirName разворачивается относительно домашнего каталога.
	defaultDataDirName = ".telegram-cli"
)

var (
	cfgInstance *Config
	cfgDone     bool
)

// Load — точка входа для инициализации глобальной конфигурации демона.
// При первом вызове читает .env (если файл существует), формирует EnvConfig и
// фиксирует результат в singleton cfgInstance.
//
// Повторный вызов запрещен (возвращается ошибка), чтобы избежать гонок
// конфигурации на старте.
func Load(envPath string) error {
	if cfgDone {
		return errors.New("config already loaded")
	}
	if cfgInstance == nil {
		cfgInstance = &Config{}
	}
	cfgInstance.mu.Lock()
	defer cfgInstance.mu.Unlock()
	newCfg, err := loadConfig(envPath)
	if err != nil {
		return err
	}
	cfgInstance = newCfg
	cfgDone = true
	return nil
}

// loadConfig выполняет фактическую загрузку/валидацию без установки глобального
// состояния. Удобно для тестов: можно собрать временный Config и проверить его.
func loadConfig(envPath string) (*Config, error) {
	// .env опционален: демон в проде конфигурируется обычным окружением.
	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load %s: %w", envPath, err)
		}
	}

	apiID, err := parseRequiredInt("TELEGRAM_API_ID")
	if err != nil {
		return nil, err
	}

	apiHash := strings.TrimSpace(os.Getenv("TELEGRAM_API_HASH"))
	if apiHash == "" {
		return nil, errors.New("env TELEGRAM_API_HASH must be set")
	}

	var warnings []string

	dataDir, err := sanitizeDataDir(os.Getenv("TELEGRAM_CLI_DATA_DIR"), &warnings)
	if err != nil {
		return nil, err
	}

	logLevel := sanitizeLogLevel(os.Getenv("LOG_LEVEL"), defaultLogLevel, &warnings)
	logFile := strings.TrimSpace(os.Getenv("LOG_FILE"))
	throttleRPS := parseIntDefault("THROTTLE_RPS", defaultThrottleRPS, greaterThanZero, &warnings)
	dedupWindow := parseIntDefault("DEDUP_WINDOW_SEC", defaultDedupWindowSec, nonNegative, &warnings)
	batchSize := parseIntDefault("SYNC_BATCH_SIZE", defaultSyncBatchSize, greaterThanZero, &warnings)
	tickMS := parseIntDefault("TICK_INTERVAL_MS", defaultTickIntervalMS, greaterThanZero, &warnings)
	spacingMS := parseIntDefault("JOB_SPACING_MS", defaultJobSpacingMS, nonNegative, &warnings)
	shutdownSec := parseIntDefault("SHUTDOWN_TIMEOUT_SEC", defaultShutdownTimeoutSec, greaterThanZero, &warnings)
	testDC := strings.EqualFold(strings.TrimSpace(os.Getenv("TEST_DC")), "true")
	recordAPI := parseBoolDefault("TELEGRAM_API_RECORD", false, &warnings)
	replayAPI := parseBoolDefault("TELEGRAM_API_REPLAY", false, &warnings)
	fixturesDir := sanitizePath("TELEGRAM_API_FIXTURES_DIR", os.Getenv("TELEGRAM_API_FIXTURES_DIR"),
		filepath.Join(dataDir, "fixtures", "telegram"), &warnings)

	if recordAPI && replayAPI {
		return nil, errors.New("TELEGRAM_API_RECORD and TELEGRAM_API_REPLAY are mutually exclusive")
	}

	env := EnvConfig{
		APIID:              apiID,
		APIHash:            apiHash,
		DataDir:            dataDir,
		LogLevel:           logLevel,
		LogFile:            logFile,
		ThrottleRPS:        throttleRPS,
		DedupWindowSec:     dedupWindow,
		SyncBatchSize:      batchSize,
		TickIntervalMS:     tickMS,
		JobSpacingMS:       spacingMS,
		ShutdownTimeoutSec: shutdownSec,
		TestDC:             testDC,
		RecordAPI:          recordAPI,
		ReplayAPI:          replayAPI,
		FixturesDir:        fixturesDir,
	}

	cfg := &Config{
		Env:      env,
		warnings: warnings,
	}

	return cfg, nil
}

// Warnings возвращает накопленные предупреждения, возникшие при загрузке .env
// (например, когда подставлено значение по умолчанию). Возвращается копия.
func Warnings() []string {
	cfgInstance.mu.RLock()
	defer cfgInstance.mu.RUnlock()
	result := make([]string, len(cfgInstance.warnings))
	copy(result, cfgInstance.warnings)
	return result
}

// Env возвращает EnvConfig из глобального singleton. Это неизменяемый снимок
// на момент загрузки; для обновления надо перезапустить демон.
func Env() EnvConfig {
	return cfgInstance.Env
}

// parseRequiredInt читает обязательную целочисленную переменную окружения name.
// Если переменная не задана или не является корректным числом — возвращает ошибку.
// Используется для критичных параметров, без которых демон не стартует.
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

// parseIntDefault читает name как int. Если пусто/некорректно/не проходит
// дополнительную проверку validator — возвращает defaultVal и пишет предупреждение.
// Это позволяет не падать на несущественных настройках и иметь дефолты.
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

// appendWarningf — служебная функция для накопления предупреждений о некорректных
// переменных окружения. Список затем доступен через Warnings().
func appendWarningf(warnings *[]string, format string, args ...any) {
	if warnings == nil {
		return
	}
	*warnings = append(*warnings, fmt.Sprintf(format, args...))
}

// greaterThanZero/ nonNegative — простые валидаторы чисел. Используются в
// parseIntDefault, чтобы навязать смысловые ограничения без падения демона.
func greaterThanZero(v int) bool { return v > 0 }
func nonNegative(v int) bool     { return v >= 0 }

// parseBoolDefault читает name как bool. Если пусто/некорректно — возвращает defaultVal и пишет предупреждение.
func parseBoolDefault(name string, defaultVal bool, warnings *[]string) bool {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return defaultVal
	}
	v, err := strconv.ParseBool(value)
	if err != nil {
		appendWarningf(warnings, "env %s value %q is not a valid boolean; using default %v", name, value, defaultVal)
		return defaultVal
	}
	return v
}

// sanitizeLogLevel нормализует LOG_LEVEL и ограничивает значения набором
// {debug, info, warn, error}. Всё остальное превращается в defaultLogLevel.
func sanitizeLogLevel(level string, defaultVal string, warnings *[]string) string {
	lvl := strings.ToLower(strings.TrimSpace(level))
	if lvl == "" {
		appendWarningf(warnings, "env LOG_LEVEL is not set; using default %q", defaultVal)
		return defaultVal
	}
	switch lvl {
	case "debug", "info", "warn", "error":
		return lvl
	default:
		appendWarningf(warnings, "env LOG_LEVEL value %q is invalid; using default %q", level, defaultVal)
		return defaultVal
	}
}

// sanitizePath возвращает валидный путь из окружения. Если переменная не
// задана, подставляет fallback и пишет предупреждение. Тильда разворачивается
// в домашний каталог.
func sanitizePath(name, value, fallback string, warnings *[]string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		appendWarningf(warnings, "env %s is not set; using default %q", name, fallback)
		return fallback
	}
	return expandHome(v)
}

// sanitizeDataDir вычисляет корневой каталог данных. Пустое значение означает
// ~/.telegram-cli; ошибка определения домашнего каталога фатальна, потому что
// без каталога данных демону некуда писать.
func sanitizeDataDir(value string, warnings *[]string) (string, error) {
	v := strings.TrimSpace(value)
	if v != "" {
		return expandHome(v), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot resolve home directory for default data dir: %w", err)
	}
	dir := filepath.Join(home, defaultDataDirName)
	appendWarningf(warnings, "env TELEGRAM_CLI_DATA_DIR is not set; using default %q", dir)
	return dir, nil
}

// expandHome разворачивает префикс "~/" в домашний каталог пользователя.
// Если домашний каталог недоступен, значение возвращается как есть.
func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(strings.TrimPrefix(path, "~"), "/"))
	}
	return path
}
