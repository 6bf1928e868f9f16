package accounting

import (
	"context"
	"sync"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	commonconfig "github.com/armadaproject/corral/internal/common/config"
	"github.com/armadaproject/corral/internal/common/corralcontext"
	"github.com/armadaproject/corral/internal/common/slurmconf"
)

var recordWrites = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "corral",
	Subsystem: "accounting",
	Name:      "record_writes_total",
	Help:      "Job records written to accounting sinks, by sink and outcome.",
}, []string{"sink", "result"})

// Sink is an accounting storage or completion logger.
type Sink interface {
	Name() string
	Write(ctx *corralcontext.Context, rec *JobRecord) error
	Close() error
}

// Recorder writes each job record to every configured sink. A record is retried until every
// sink has accepted it; sinks that already hold the record are skipped on retry.
type Recorder struct {
	sinks []Sink
	mu    sync.Mutex
	// Sinks that have accepted each record still awaiting some other sink.
	delivered map[uuid.UUID]map[string]bool
}

func NewRecorder(sinks ...Sink) *Recorder {
	return &Recorder{
		sinks:     sinks,
		delivered: make(map[uuid.UUID]map[string]bool),
	}
}

// NewRecorderFromConfig opens the storage and completion logger selected by the cluster
// configuration. The none types add no sink.
func NewRecorderFromConfig(ctx context.Context, config *slurmconf.Config) (*Recorder, error) {
	var sinks []Sink
	closeAll := func() {
		for _, s := range sinks {
			_ = s.Close()
		}
	}

	switch config.AccountingStorageType {
	case slurmconf.AccountingSqlite:
		s, err := NewSqliteStorage(ctx, config.AccountingStorageLoc)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s)
	case slurmconf.AccountingPostgres:
		s, err := NewPostgresStorage(ctx, config.AccountingStorageLoc)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s)
	case slurmconf.AccountingNone, "":
	default:
		return nil, errors.Errorf("unknown accounting storage type %s", config.AccountingStorageType)
	}

	switch config.JobCompType {
	case slurmconf.JobCompFileTxt:
		l, err := NewFileTxtLogger(config.JobCompLoc)
		if err != nil {
			closeAll()
			return nil, err
		}
		sinks = append(sinks, l)
	case slurmconf.JobCompRedis:
		sinks = append(sinks, NewRedisLogger(config.JobCompLoc, config.JobCompPass, config.JobCompTopic))
	case slurmconf.JobCompPulsar:
		l, err := NewPulsarLogger(&commonconfig.PulsarConfig{
			URL:              config.JobCompLoc,
			Topic:            config.JobCompTopic,
			CompressionType:  config.JobCompCompression,
			CompressionLevel: pulsar.Default,
			SendTimeout:      config.MessageTimeout,
		})
		if err != nil {
			closeAll()
			return nil, err
		}
		sinks = append(sinks, l)
	case slurmconf.JobCompNone, "":
	default:
		closeAll()
		return nil, errors.Errorf("unknown completion logger type %s", config.JobCompType)
	}
	return NewRecorder(sinks...), nil
}

// Record writes rec to every sink that does not yet hold it. It returns nil once all sinks have
// accepted the record, otherwise a multierror of the sinks that failed this time.
func (r *Recorder) Record(ctx *corralcontext.Context, rec *JobRecord) error {
	r.mu.Lock()
	done := r.delivered[rec.RecordId]
	pending := make([]Sink, 0, len(r.sinks))
	for _, s := range r.sinks {
		if !done[s.Name()] {
			pending = append(pending, s)
		}
	}
	r.mu.Unlock()

	var result *multierror.Error
	var succeeded []string
	for _, s := range pending {
		if err := s.Write(ctx, rec); err != nil {
			recordWrites.WithLabelValues(s.Name(), "failure").Inc()
			result = multierror.Append(result, errors.WithMessagef(err, "%s: job %d", s.Name(), rec.JobId))
			continue
		}
		recordWrites.WithLabelValues(s.Name(), "success").Inc()
		succeeded = append(succeeded, s.Name())
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if result == nil {
		delete(r.delivered, rec.RecordId)
		return nil
	}
	if r.delivered[rec.RecordId] == nil {
		r.delivered[rec.RecordId] = make(map[string]bool)
	}
	for _, name := range succeeded {
		r.delivered[rec.RecordId][name] = true
	}
	return result.ErrorOrNil()
}

// Enabled returns true if at least one sink is configured.
func (r *Recorder) Enabled() bool {
	return len(r.sinks) > 0
}

func (r *Recorder) SinkNames() []string {
	names := make([]string, len(r.sinks))
	for i, s := range r.sinks {
		names[i] = s.Name()
	}
	return names
}

func (r *Recorder) Close() error {
	var result *multierror.Error
	for _, s := range r.sinks {
		if err := s.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
