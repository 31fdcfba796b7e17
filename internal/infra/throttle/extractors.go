package throttle

import (
	"time"

	"github.com/go-faster/errors"
)

// retryDelayProvider — контракт ошибок, несущих серверную паузу (retry_after,
// FLOOD_WAIT), уже приведённую адаптером отправки к time.Duration.
type retryDelayProvider interface {
	RetryDelay() time.Duration
}

// RetryDelayExtractor распознаёт ошибки с методом RetryDelay и возвращает паузу
// ровно в том виде, в каком её прислал сервер. Джиттер не добавляется.
// Отрицательная пауза трактуется как «повторить сразу».
func RetryDelayExtractor() WaitExtractor {
	return func(err error) (time.Duration, bool) {
		if err == nil {
			return 0, false
		}
		var provider retryDelayProvider
		if !errors.As(err, &provider) {
			return 0, false
		}
		return max(provider.RetryDelay(), 0), true
	}
}
