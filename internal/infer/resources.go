package infer

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shaiso/Kiln/internal/config"
	"github.com/shaiso/Kiln/internal/domain"
)

// Кодеки записи records. bz2 жмёт лучше всех, но слишком медленный
// для онлайн-обработки, поэтому в выборе не участвует.
const (
	CodecZstd = "zstd"
	CodecLZ4  = "lz4"
)

// HostTier — ярус оборудования хоста. Старый и новый ярусы заметно
// отличаются по числу ядер, поэтому бенчмарк-таблица двухколоночная.
type HostTier int

const (
	TierOld HostTier = iota
	TierNew
)

var hostNumberRe = regexp.MustCompile(`^[a-z]+([0-9]+)`)

// ParseHostTier извлекает ярус оборудования из имени хоста.
// Хосты с номером >= 3 — новый ярус. Имя без номера — ошибка
// конфигурации: гадать про железо хуже, чем упасть на старте.
func ParseHostTier(hostname string) (HostTier, error) {
	short, _, _ := strings.Cut(hostname, ".")
	m := hostNumberRe.FindStringSubmatch(short)
	if m == nil {
		return 0, fmt.Errorf("%w: %q", ErrBadHostname, hostname)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrBadHostname, hostname)
	}
	if n >= 3 {
		return TierNew, nil
	}
	return TierOld, nil
}

// benchmark — замеры пропускной способности: для каждой скорости
// данных (MB/s) — сколько воркеров и сообщений тянет хост каждого
// яруса и какой внутренний таймаут нужен compute job. Промежуточные
// скорости интерполируются линейно.
var benchmark = struct {
	rate        []float64
	coresOld    []float64
	coresNew    []float64
	messagesOld []float64
	messagesNew []float64
	timeout     []float64
}{
	rate:        []float64{0, 70, 90, 110, 150, 220, 290, 360, 390, 420, 500, 550},
	coresOld:    []float64{39, 35, 35, 30, 30, 20, 12, 12, 10, 10, 10, 8},
	coresNew:    []float64{24, 24, 24, 24, 18, 15, 15, 15, 15, 15, 15, 10},
	messagesOld: []float64{20, 20, 15, 15, 10, 10, 10, 10, 10, 10, 8, 6},
	messagesNew: []float64{60, 60, 35, 30, 25, 25, 25, 25, 20, 15, 12, 12},
	timeout:     []float64{1200, 1200, 1250, 1300, 1400, 1575, 1750, 1925, 2000, 2075, 2275, 2400},
}

// Пределы, за которые масштабирование по сбоям не выводит ресурсы.
const (
	minCores      = 4
	maxCores      = 40
	minMessages   = 4
	maxMessages   = 100
	minTimeoutSec = 500
	maxTimeoutSec = 3600

	// defaultTimeoutSec — таймаут compute job, когда InferMode выключен.
	defaultTimeoutSec = 1000

	// shrinkFactor — во столько раз ужимаются ресурсы на каждый сбой.
	shrinkFactor = 1.1

	// Скорость, ниже которой zstd успевает всегда.
	slowRateMBs = 65

	// Chunk крупнее этого жмём быстрым кодеком, иначе съедаем память.
	maxZstdChunkMB = 1800

	// ambeRateMBs — у AmBe-календровочных runs скорость известна заранее.
	ambeRateMBs = 550
)

// BenchmarkResources возвращает ресурсы по бенчмарк-таблице для данной
// скорости данных. Скорости за пределами таблицы прижимаются к краям.
func BenchmarkResources(tier HostTier, rate float64) (cores, messages, timeoutSec int) {
	coresCol, messagesCol := benchmark.coresOld, benchmark.messagesOld
	if tier == TierNew {
		coresCol, messagesCol = benchmark.coresNew, benchmark.messagesNew
	}
	cores = int(math.Round(interpolate(benchmark.rate, coresCol, rate)))
	messages = int(math.Round(interpolate(benchmark.rate, messagesCol, rate)))
	timeoutSec = int(math.Round(interpolate(benchmark.rate, benchmark.timeout, rate)))
	return cores, messages, timeoutSec
}

// interpolate — кусочно-линейная интерполяция по табличным узлам xs
// (строго возрастающим), с прижатием к краям.
func interpolate(xs, ys []float64, x float64) float64 {
	if x <= xs[0] {
		return ys[0]
	}
	last := len(xs) - 1
	if x >= xs[last] {
		return ys[last]
	}
	for i := 1; i <= last; i++ {
		if x <= xs[i] {
			frac := (x - xs[i-1]) / (xs[i] - xs[i-1])
			return ys[i-1] + frac*(ys[i]-ys[i-1])
		}
	}
	return ys[last]
}

// rateSource — откуда берётся живая скорость данных, пока диспетчер
// ещё не записал итоговый rate в реестр.
type rateSource interface {
	LiveRate(ctx context.Context, number int64) (map[string]float64, error)
}

// Inferrer выводит ресурсы compute job для захваченного run.
type Inferrer struct {
	cfg    *config.Config
	rates  rateSource
	tier   HostTier
	logger *slog.Logger

	// nap подменяется в тестах.
	nap func(ctx context.Context, d time.Duration)
}

// NewInferrer создаёт Inferrer. Возвращает ErrBadHostname, если ярус
// оборудования не извлекается из имени хоста.
func NewInferrer(cfg *config.Config, rates rateSource, logger *slog.Logger) (*Inferrer, error) {
	tier, err := ParseHostTier(cfg.Hostname)
	if err != nil {
		return nil, err
	}
	return &Inferrer{
		cfg:    cfg,
		rates:  rates,
		tier:   tier,
		logger: logger,
		nap:    sleepCtx,
	}, nil
}

// Infer возвращает ресурсы для обработки run.
//
// При включённом InferMode ресурсы берутся из бенчмарк-таблицы по
// скорости данных; если скорость выяснить не удалось — дефолты с
// предупреждением, обработка не блокируется. Повторные сбои ужимают
// cores и messages и растягивают таймаут.
func (in *Inferrer) Infer(ctx context.Context, run *domain.Run) (domain.Resources, error) {
	rate := run.MaxRate()
	if rate == 0 && in.cfg.InferMode {
		rate = in.pollRate(ctx, run)
	}
	if strings.Contains(run.Mode, "ambe") {
		rate = ambeRateMBs
	}

	res := domain.Resources{
		Cores:       in.cfg.Cores,
		MaxMessages: in.cfg.MaxMessages,
		TimeoutSec:  defaultTimeoutSec,
	}
	if in.cfg.InferMode && rate > 0 {
		res.Cores, res.MaxMessages, res.TimeoutSec = BenchmarkResources(in.tier, rate)
	}

	nFails := run.Orch.NFailures
	if in.cfg.FixResources {
		nFails = 0
	}
	if nFails > 0 {
		shrink := math.Pow(shrinkFactor, float64(nFails))
		res.Cores = clampInt(int(float64(res.Cores)/shrink), minCores, maxCores)
		res.MaxMessages = clampInt(int(float64(res.MaxMessages)/shrink), minMessages, maxMessages)
		res.TimeoutSec = clampInt(int(float64(res.TimeoutSec)*shrink), minTimeoutSec, maxTimeoutSec)
	}

	res.Codec = chooseCodec(run, rate, nFails)
	return res, nil
}

// pollRate опрашивает живую скорость данных, пока run ещё идёт.
// Раньше MinRateInfer от начала run показания нестабильны, позже
// MaxRateInfer ждать нет смысла — возвращаем 0 с предупреждением.
func (in *Inferrer) pollRate(ctx context.Context, run *domain.Run) float64 {
	if wait := in.cfg.Timeouts.MinRateInfer - time.Since(run.Start); wait > 0 {
		in.nap(ctx, wait)
	}
	deadline := time.Now().Add(in.cfg.Timeouts.MaxRateInfer)
	for time.Now().Before(deadline) && ctx.Err() == nil {
		rates, err := in.rates.LiveRate(ctx, run.Number)
		if err != nil {
			in.logger.Warn("live rate query failed", "run", run.Number, "error", err)
			break
		}
		var total float64
		for _, v := range rates {
			total += v
		}
		if total > 0 {
			return total
		}
		in.nap(ctx, 2*time.Second)
	}
	in.logger.Warn("could not infer data rate, using default resources", "run", run.Number)
	return 0
}

// chooseCodec выбирает кодек записи records.
//
// zstd жмёт лучше, lz4 надёжнее на больших chunks и после сбоев.
func chooseCodec(run *domain.Run, rate float64, nFails int) string {
	if nFails > 1 {
		return CodecLZ4
	}
	if nFails == 1 {
		return CodecZstd
	}
	if rate < slowRateMBs {
		return CodecZstd
	}
	chunkSec := run.DAQConfig.ChunkLengthSec + run.DAQConfig.ChunkOverlapSec
	if rate*chunkSec > maxZstdChunkMB {
		return CodecLZ4
	}
	return CodecZstd
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
