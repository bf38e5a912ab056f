// Package telemetry — структурированное логирование и метрики.
//
// Логирование построено на log/slog: формат и уровень задаются
// переменными окружения LOG_FORMAT и LOG_LEVEL. Метрики — prometheus,
// экспортируются из cmd/kiln через promhttp.
package telemetry
