package infer

import "errors"

var (
	// ErrDuplicateTargets — в итоговом плане targets оказался дубликат.
	// Ошибка конфигурации, run не обрабатывается.
	ErrDuplicateTargets = errors.New("infer: duplicate target in plan")

	// ErrBadHostname — из имени хоста не извлечь номер, ярус
	// оборудования неизвестен. Ошибка конфигурации экземпляра.
	ErrBadHostname = errors.New("infer: cannot parse host number from hostname")
)
