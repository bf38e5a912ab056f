// Package config — конфигурация экземпляра оркестратора: флаги режима,
// таблица таймаутов и пороги Disk Guard. Значения собираются из флагов
// CLI в cmd/kiln с переопределением из окружения.
package config
