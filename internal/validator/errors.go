package validator

import "errors"

var (
	// ErrNoChunks — метаданные сырого артефакта не найдены либо пусты.
	ErrNoChunks = errors.New("validator: no chunks written for the raw artifact")

	// ErrChunkNotWritten — непустой chunk без записанного размера файла.
	ErrChunkNotWritten = errors.New("validator: chunk was not written to disk")

	// ErrRunStillOpen — run до сих пор не закончился наверху.
	ErrRunStillOpen = errors.New("validator: run has no end time yet")

	// ErrCoverage — покрытие chunks расходится с длительностью run.
	ErrCoverage = errors.New("validator: coverage mismatch")

	// ErrArtifactMissing — зарегистрированного артефакта нет на диске.
	ErrArtifactMissing = errors.New("validator: registered artifact missing on disk")
)
