package registry

import "errors"

// Ошибки реестра.
var (
	// ErrNotFound — запись не найдена в реестре.
	ErrNotFound = errors.New("not found in registry")

	// ErrNoEligibleRun — ни один run не подошёл под фильтр claim.
	// Это нормальный исход гонки двух экземпляров за один run:
	// проигравший получает ErrNoEligibleRun.
	ErrNoEligibleRun = errors.New("no eligible run")

	// ErrStatusConflict — у run уже выставлен статус выгрузки,
	// который нельзя перезаписывать.
	ErrStatusConflict = errors.New("run upload status must not be overwritten")
)
