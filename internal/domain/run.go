package domain

import (
	"time"

	"github.com/google/uuid"
)

// Run — одна сессия набора данных, создаётся системой сбора данных
// до того, как её увидит оркестратор.
//
// Оркестратор никогда не создаёт и не удаляет runs: он только меняет
// вложенную запись Orch через атомарные условные обновления реестра.
type Run struct {
	// ID — внутренний стабильный идентификатор записи в реестре.
	ID uuid.UUID `json:"id"`

	// Number — номер run, уникальный и монотонно растущий.
	Number int64 `json:"number"`

	// Name — человекочитаемое имя run.
	Name string `json:"name,omitempty"`

	// Mode — режим набора данных; выбирает профиль обработки.
	Mode string `json:"mode"`

	// Detectors — активные подсистемы детектора ("tpc", "neutron_veto", "muon_veto").
	Detectors []string `json:"detectors"`

	// Start — начало набора данных.
	Start time.Time `json:"start"`

	// End — конец набора данных. Nil, пока run ещё идёт.
	End *time.Time `json:"end,omitempty"`

	// DAQConfig — конфигурация системы сбора данных.
	DAQConfig DAQConfig `json:"daq_config"`

	// Data — зарегистрированные артефакты данных.
	Data []Artifact `json:"data,omitempty"`

	// Rate — максимальная наблюдавшаяся скорость данных по детекторам, MB/s.
	// Заполняется диспетчером после окончания run.
	Rate map[string]float64 `json:"rate,omitempty"`

	// Tags — операторские теги ("abandon" и прочие).
	Tags []Tag `json:"tags,omitempty"`

	// Orch — вложенная запись оркестрации. В каждый момент времени
	// авторитетна ровно одна такая запись на run.
	Orch Orchestration `json:"orch"`
}

// DAQConfig — параметры, с которыми система сбора писала данные run.
type DAQConfig struct {
	// ProcessingThreads — число потоков чтения. 0 означает, что
	// поле отсутствует в реестре (это ошибка конфигурации run).
	ProcessingThreads int `json:"processing_threads"`

	// ChunkLengthSec — длина chunk в секундах.
	ChunkLengthSec float64 `json:"chunk_length_sec"`

	// ChunkOverlapSec — перекрытие соседних chunks в секундах.
	ChunkOverlapSec float64 `json:"chunk_overlap_sec"`

	// PayloadBytes — размер payload одного фрагмента в байтах.
	PayloadBytes int `json:"fragment_payload_bytes"`

	// Compressor — кодек, которым сжаты сырые данные.
	Compressor string `json:"compressor"`
}

// Artifact — один зарегистрированный артефакт данных run.
type Artifact struct {
	// Type — тип артефакта: "live" для сырых данных, иначе имя target.
	Type string `json:"type"`

	// Host — хост, на котором лежит артефакт.
	Host string `json:"host"`

	// Location — путь к данным на этом хосте.
	Location string `json:"location"`
}

// Tag — операторская пометка на run.
type Tag struct {
	Name string `json:"name"`
}

// Orchestration — вложенная запись оркестрации run.
type Orchestration struct {
	// State — текущее состояние оркестрации.
	State State `json:"state,omitempty"`

	// Host — хост, которому принадлежит текущее состояние.
	Host string `json:"host,omitempty"`

	// PID — pid экземпляра оркестратора на этом хосте.
	PID int `json:"pid,omitempty"`

	// Time — время последнего обновления записи.
	Time *time.Time `json:"time,omitempty"`

	// Started — время начала последней обработки.
	Started *time.Time `json:"started,omitempty"`

	// NFailures — сколько раз обработка этого run уже падала.
	NFailures int `json:"n_failures,omitempty"`

	// NextRetry — раньше этого времени failed run не будет захвачен снова.
	NextRetry *time.Time `json:"next_retry,omitempty"`

	// Reason — человекочитаемая причина последнего сбоя.
	Reason string `json:"reason,omitempty"`

	// Targets — targets, выбранные для последней обработки.
	Targets []string `json:"targets,omitempty"`

	// Resources — ресурсы, выделенные на последнюю обработку.
	Resources *Resources `json:"resources,omitempty"`
}

// Resources — ресурсы compute job для одной обработки.
type Resources struct {
	// Cores — число воркеров compute job.
	Cores int `json:"cores"`

	// MaxMessages — ограничение очереди сообщений внутри compute job.
	MaxMessages int `json:"max_messages"`

	// TimeoutSec — внутренний таймаут compute job, секунды.
	TimeoutSec int `json:"timeout"`

	// Codec — кодек для записи (raw) records.
	Codec string `json:"records_compressor"`
}

// HasDetector проверяет, активна ли подсистема в этом run.
func (r *Run) HasDetector(name string) bool {
	for _, d := range r.Detectors {
		if d == name {
			return true
		}
	}
	return false
}

// HasTag проверяет наличие операторского тега.
func (r *Run) HasTag(name string) bool {
	for _, t := range r.Tags {
		if t.Name == name {
			return true
		}
	}
	return false
}

// LiveArtifact возвращает артефакт с сырыми данными, если он зарегистрирован.
func (r *Run) LiveArtifact() *Artifact {
	for i := range r.Data {
		if r.Data[i].Type == "live" {
			return &r.Data[i]
		}
	}
	return nil
}

// ArtifactsOn возвращает артефакты, зарегистрированные на данном хосте.
func (r *Run) ArtifactsOn(host string) []Artifact {
	var out []Artifact
	for _, d := range r.Data {
		if d.Host == host {
			out = append(out, d)
		}
	}
	return out
}

// MaxRate возвращает суммарную максимальную скорость данных по всем
// детекторам, MB/s. 0, если диспетчер ещё не записал rate.
func (r *Run) MaxRate() float64 {
	var total float64
	for _, v := range r.Rate {
		total += v
	}
	return total
}

// Duration возвращает длительность run. 0, если run ещё не закончился.
func (r *Run) Duration() time.Duration {
	if r.End == nil {
		return 0
	}
	return r.End.Sub(r.Start)
}
