package cleanup

import (
	"math"
	"math/rand"
	"time"
)

// backoffCap — после стольких сбоев пауза перестаёт расти:
// 125x базы и так достаточно, чтобы не молотить реестр впустую.
const backoffCap = 3

// Backoff возвращает паузу перед retry после nFailures сбоев:
// base * jitter * 5^min(n, 3). jitter ожидается в [0.5, 1.5] и
// размазывает retries разных экземпляров по времени.
func Backoff(base time.Duration, nFailures int, jitter float64) time.Duration {
	if nFailures > backoffCap {
		nFailures = backoffCap
	}
	return time.Duration(float64(base) * jitter * math.Pow(5, float64(nFailures)))
}

// retryJitter возвращает случайный jitter в [0.5, 1.5).
func retryJitter() float64 {
	return 0.5 + rand.Float64()
}
