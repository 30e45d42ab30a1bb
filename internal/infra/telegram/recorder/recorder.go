// Package recorder — запись и воспроизведение RPC-обменов клиента.
// В режиме record каждый успешный вызов сохраняется фикстурой на диске;
// в режиме replay ответы читаются из фикстур, сеть не используется вовсе.
// Ключ фикстуры — sha256 канонического JSON запроса: один и тот же запрос
// попадает в один и тот же файл независимо от порядка полей и платформы.
package recorder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/go-faster/errors"
	"github.com/gotd/td/bin"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"
	"go.uber.org/zap"

	"telegram-syncd/internal/infra/codec"
	"telegram-syncd/internal/infra/logger"
	"telegram-syncd/internal/infra/storage"
)

// schemaVersion — версия схемы файла фикстуры.
const schemaVersion = 1

// Mode — режим рекордера.
type Mode string

const (
	ModeOff    Mode = "off"
	ModeRecord Mode = "record"
	ModeReplay Mode = "replay"
)

// ErrNoFixture возвращается в режиме replay, когда для запроса нет записи.
var ErrNoFixture = errors.New("fixture not found")

// Recorder — прозрачная обёртка вызова: telegram.Middleware, который либо
// пишет обмены на диск, либо подменяет сеть содержимым фикстур. Каждый
// аккаунт получает свой экземпляр: фикстуры разложены по account-<id>.
type Recorder struct {
	mode      Mode
	root      string
	accountID int64
	clock     func() time.Time
}

// New создаёт рекордер для аккаунта. root — корень каталога фикстур.
func New(mode Mode, root string, accountID int64) *Recorder {
	return &Recorder{mode: mode, root: root, accountID: accountID, clock: time.Now}
}

// WithClock подменяет источник времени для recordedAt.
func (r *Recorder) WithClock(clock func() time.Time) *Recorder {
	r.clock = clock
	return r
}

// Mode возвращает режим рекордера.
func (r *Recorder) Mode() Mode { return r.mode }

// Handle реализует telegram.Middleware.
func (r *Recorder) Handle(next tg.Invoker) telegram.InvokeFunc {
	return func(ctx context.Context, input bin.Encoder, output bin.Decoder) error {
		if r.mode == ModeOff {
			return next.Invoke(ctx, input, output)
		}
		method, key, request, err := describeRequest(input)
		if err != nil {
			return errors.Wrap(err, "describe request")
		}
		switch r.mode {
		case ModeReplay:
			return r.replay(method, key, output)
		case ModeRecord:
			if err := next.Invoke(ctx, input, output); err != nil {
				// Ошибки не записываются: фикстура — это успешный обмен.
				return err
			}
			r.persist(method, key, request, output)
			return nil
		default:
			return next.Invoke(ctx, input, output)
		}
	}
}

// describeRequest канонизирует запрос: TL-имя метода, sha256-ключ и модель
// для файла. Телом служит bin-кодирование запроса, завёрнутое в байтовый
// маркер — канонический JSON от него детерминирован.
func describeRequest(input bin.Encoder) (method, key string, request map[string]any, err error) {
	method = "unknown"
	if named, ok := input.(interface{ TypeName() string }); ok {
		method = named.TypeName()
	}

	var buf bin.Buffer
	if err := input.Encode(&buf); err != nil {
		return "", "", nil, errors.Wrap(err, "encode request body")
	}
	request = map[string]any{
		"method": method,
		"body":   codec.Dehydrate(buf.Buf),
	}

	canonical, err := codec.MarshalCanonical(map[string]any{
		"request":     request,
		"callOptions": map[string]any{},
	})
	if err != nil {
		return "", "", nil, errors.Wrap(err, "canonical request")
	}
	sum := sha256.Sum256(canonical)
	return method, hex.EncodeToString(sum[:]), request, nil
}

func (r *Recorder) replay(method, key string, output bin.Decoder) error {
	path := r.fixturePath(method, key)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return errors.Wrapf(ErrNoFixture, "%s key=%s", method, key)
		}
		return errors.Wrap(err, "read fixture")
	}

	var fx struct {
		SchemaVersion int    `json:"schemaVersion"`
		Method        string `json:"method"`
		Response      any    `json:"response"`
	}
	if err := json.Unmarshal(data, &fx); err != nil {
		return errors.Wrapf(err, "fixture %s", path)
	}
	if fx.SchemaVersion != schemaVersion {
		return errors.Errorf("fixture %s: schema version %d, want %d", path, fx.SchemaVersion, schemaVersion)
	}

	decoded, err := codec.Rehydrate(fx.Response)
	if err != nil {
		return errors.Wrapf(err, "fixture %s", path)
	}
	raw, ok := decoded.([]byte)
	if !ok {
		return errors.Errorf("fixture %s: response is %T, want bytes", path, decoded)
	}
	logger.Debug("fixture replayed", zap.String("method", method), zap.String("path", path))
	return output.Decode(&bin.Buffer{Buf: raw})
}

// persist пишет фикстуру. Ошибки записи не роняют уже успешный вызов —
// журналируются и глотаются.
func (r *Recorder) persist(method, key string, request map[string]any, output bin.Decoder) {
	enc, ok := output.(bin.Encoder)
	if !ok {
		logger.Warn("fixture skipped: response is not re-encodable",
			zap.String("method", method))
		return
	}
	var buf bin.Buffer
	if err := enc.Encode(&buf); err != nil {
		logger.Warn("fixture skipped: response encode failed",
			zap.String("method", method), zap.Error(err))
		return
	}

	file := map[string]any{
		"schemaVersion": schemaVersion,
		"recordedAt":    r.clock().UTC().Format(time.RFC3339Nano),
		"method":        method,
		"request":       request,
		"response":      codec.Dehydrate(buf.Buf),
	}
	data, err := codec.MarshalCanonical(file)
	if err != nil {
		logger.Warn("fixture skipped: marshal failed",
			zap.String("method", method), zap.Error(err))
		return
	}

	path := r.fixturePath(method, key)
	if err := storage.EnsureDirExists(filepath.Dir(path)); err != nil {
		logger.Warn("fixture skipped: mkdir failed", zap.String("path", path), zap.Error(err))
		return
	}
	if err := storage.AtomicWriteFile(path, data); err != nil {
		logger.Warn("fixture skipped: write failed", zap.String("path", path), zap.Error(err))
		return
	}
	logger.Debug("fixture recorded", zap.String("method", method), zap.String("path", path))
}

func (r *Recorder) fixturePath(method, key string) string {
	return filepath.Join(r.root,
		fmt.Sprintf("account-%d", r.accountID), sanitizeMethod(method), key+".json")
}

var methodSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// sanitizeMethod превращает TL-имя в безопасное имя каталога:
// messages.getHistory → messages_getHistory.
func sanitizeMethod(method string) string {
	return methodSanitizer.ReplaceAllString(method, "_")
}
