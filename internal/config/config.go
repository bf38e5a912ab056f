package config

import (
	"os"
	"time"
)

// Timeouts — все временные константы управляющего цикла.
// Значения по умолчанию подобраны для production; всё настраиваемо.
type Timeouts struct {
	// SignalEscalate — пауза между SIGTERM и SIGKILL при остановке
	// compute job.
	SignalEscalate time.Duration

	// RetryBase — минимальная пауза перед retry упавшего run.
	// Растёт экспоненциально: 1x, 5x, 25x, 125x, дальше не растёт.
	// К паузе применяется jitter 0.5–1.5x.
	RetryBase time.Duration

	// MaxProcessing — жёсткий потолок времени обработки;
	// по превышении compute job убивается.
	MaxProcessing time.Duration

	// MaxProcessingAfterEnd — потолок времени обработки для run,
	// который наверху уже закончился.
	MaxProcessingAfterEnd time.Duration

	// MaxNoWrite — каждые столько времени на диске должен появляться
	// хотя бы один новый выходной файл.
	MaxNoWrite time.Duration

	// CheckJob — период опроса compute job.
	CheckJob time.Duration

	// MaxBusy — максимум времени в busy без обновления от владельца.
	// Должно быть существенно больше CheckJob.
	MaxBusy time.Duration

	// MaxConsidering — максимум времени в considering.
	MaxConsidering time.Duration

	// CleanupSpacing — минимальная пауза между sweep-проходами.
	CleanupSpacing time.Duration

	// IdleNap — сон, когда работы нет.
	IdleNap time.Duration

	// PresumedDead — не слышали экземпляр столько времени — считаем
	// его мёртвым. Должно быть сильно больше IdleNap и CheckJob.
	PresumedDead time.Duration

	// HelperMaxBusy — если основной ярус занят дольше этого,
	// вспомогательные хосты тоже берут работу.
	HelperMaxBusy time.Duration

	// MinStatusInterval — heartbeat-записи моложе этого интервала
	// коалесцируются в обновление вместо новой записи.
	MinStatusInterval time.Duration

	// MaxRateInfer — максимум времени на вывод скорости данных.
	MaxRateInfer time.Duration

	// MinRateInfer — минимум времени от начала run, раньше которого
	// скорость данных не выводится.
	MinRateInfer time.Duration

	// AbandoningAllowed — done run можно abandon по тегу только в
	// течение этого срока после старта.
	AbandoningAllowed time.Duration

	// SaveWaitMax — максимум ожидания, пока дописываются/переименовываются
	// файлы после успешного завершения.
	SaveWaitMax time.Duration

	// SaveWaitCycle — пауза между проверками в этом ожидании.
	SaveWaitCycle time.Duration

	// HeartbeatBacklog — heartbeat-записи старше этого возраста
	// удаляются sweep-ом.
	HeartbeatBacklog time.Duration
}

// DefaultTimeouts возвращает production-значения.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		SignalEscalate:        3 * time.Second,
		RetryBase:             time.Minute,
		MaxProcessing:         72 * time.Hour,
		MaxProcessingAfterEnd: 13 * time.Hour,
		MaxNoWrite:            30 * time.Minute,
		CheckJob:              10 * time.Second,
		MaxBusy:               2 * time.Minute,
		MaxConsidering:        time.Minute,
		CleanupSpacing:        time.Minute,
		IdleNap:               10 * time.Second,
		PresumedDead:          5 * time.Minute,
		HelperMaxBusy:         5 * time.Minute,
		MinStatusInterval:     time.Minute,
		MaxRateInfer:          time.Minute,
		MinRateInfer:          7500 * time.Millisecond,
		AbandoningAllowed:     24 * time.Hour,
		SaveWaitMax:           10 * time.Minute,
		SaveWaitCycle:         10 * time.Second,
		HeartbeatBacklog:      7 * 24 * time.Hour,
	}
}

// Disk — пороги Disk Guard.
type Disk struct {
	// MaxUsedPercent — потолок заполненности диска.
	MaxUsedPercent float64

	// MinFreeBytes — пол свободного места.
	MinFreeBytes uint64

	// MaxRetries — сколько раз ждать освобождения диска,
	// прежде чем признать экземпляр мёртвым.
	MaxRetries int

	// RetryInterval — пауза между проверками.
	RetryInterval time.Duration
}

// DefaultDisk возвращает production-пороги Disk Guard.
func DefaultDisk() Disk {
	return Disk{
		MaxUsedPercent: 95,
		MinFreeBytes:   1 << 40, // 1 TiB
		MaxRetries:     60 * 24 * 7,
		RetryInterval:  10 * time.Second,
	}
}

// Config — конфигурация экземпляра оркестратора.
type Config struct {
	// Hostname — имя этого хоста; пишется во все orch-записи и heartbeats.
	Hostname string

	// PID — pid этого процесса.
	PID int

	// Production — боевой режим. Иначе — тестовый: реестр runs
	// не мутируется, вывод пишется в песочницу.
	Production bool

	// Undying — ловить фатальные ошибки цикла, логировать и
	// перезапускаться после паузы вместо выхода.
	Undying bool

	// InferMode — автоматически подбирать cores/max_messages/timeout
	// по скорости данных.
	InferMode bool

	// DeleteLive — удалять live-данные после успешной обработки.
	DeleteLive bool

	// FixTarget — не подменять targets для специальных режимов.
	FixTarget bool

	// FixResources — не менять ресурсы из-за прошлых сбоев.
	FixResources bool

	// IgnoreChecks — пропустить валидацию результата. Не использовать
	// без крайней нужды.
	IgnoreChecks bool

	// Cores, MaxMessages — ресурсы по умолчанию, когда InferMode выключен.
	Cores       int
	MaxMessages int

	// Targets — выходные данные, производимые при обработке.
	Targets []string

	// PostProcess — targets других подсистем, доделываемые после
	// основной обработки.
	PostProcess []string

	// OutputDir — локальная директория для выходных данных.
	OutputDir string

	// LiveDataDirs — где искать live-данные в тестовом режиме.
	LiveDataDirs []string

	// JobCommand — argv compute job; путь к JSON-спецификации
	// передаётся флагом --job.
	JobCommand []string

	// PrimaryHosts — префиксы хостов основного яруса обработки.
	PrimaryHosts []string

	// MaxRetries — потолок попыток обработки одного run.
	MaxRetries int

	// MaxQueueNewRuns — с какой длины очереди необработанных runs
	// вспомогательный ярус включается в обработку.
	MaxQueueNewRuns int

	Timeouts Timeouts
	Disk     Disk
}

// Default возвращает конфигурацию по умолчанию для данного хоста.
func Default(hostname string, pid int) Config {
	return Config{
		Hostname:        hostname,
		PID:             pid,
		Cores:           8,
		MaxMessages:     10,
		Targets:         []string{"event_info", "events_nv", "events_mv", "online_peak_monitor", "veto_proximity"},
		PostProcess:     []string{"veto_intervals"},
		OutputDir:       defaultOutputDir(),
		LiveDataDirs:    []string{"/live_data/kiln", "/live_data/kiln_test"},
		JobCommand:      defaultJobCommand(),
		PrimaryHosts:    []string{"eb3", "eb4", "eb5"},
		MaxRetries:      10,
		MaxQueueNewRuns: 3,
		Timeouts:        DefaultTimeouts(),
		Disk:            DefaultDisk(),
	}
}

// TestDataDir — песочница для не-production режима.
func TestDataDir() string {
	if _, err := os.Stat("/data/test_processed"); err == nil {
		return "/data/test_processed"
	}
	return "./kiln"
}

func defaultOutputDir() string {
	if dir := os.Getenv("KILN_OUTPUT_DIR"); dir != "" {
		return dir
	}
	return "/data/processed_pre"
}

func defaultJobCommand() []string {
	if cmd := os.Getenv("KILN_JOB_CMD"); cmd != "" {
		return []string{cmd}
	}
	return []string{"strax-process"}
}
