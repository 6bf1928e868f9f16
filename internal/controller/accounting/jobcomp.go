package accounting

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	commonconfig "github.com/armadaproject/corral/internal/common/config"
	"github.com/armadaproject/corral/internal/common/corralcontext"
	"github.com/armadaproject/corral/internal/common/pulsarutils"
)

// FileTxtLogger appends one Key=Value line per job to a file.
type FileTxtLogger struct {
	mu   sync.Mutex
	file *os.File
}

func NewFileTxtLogger(path string) (*FileTxtLogger, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &FileTxtLogger{file: f}, nil
}

func (l *FileTxtLogger) Name() string {
	return "jobcomp/filetxt"
}

func (l *FileTxtLogger) Write(_ *corralcontext.Context, rec *JobRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.file.WriteString(rec.Text() + "\n")
	return errors.WithStack(err)
}

func (l *FileTxtLogger) Close() error {
	return errors.WithStack(l.file.Close())
}

const DefaultRedisKey = "corral:jobcomp"

// RedisLogger pushes each record, JSON encoded, onto the tail of a redis list.
type RedisLogger struct {
	client redis.UniversalClient
	key    string
}

// NewRedisLogger connects to the comma separated addresses in loc.
func NewRedisLogger(loc string, password string, key string) *RedisLogger {
	config := commonconfig.RedisConfig{
		Addrs:    strings.Split(loc, ","),
		Password: password,
	}
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisLogger{
		client: redis.NewUniversalClient(config.AsUniversalOptions()),
		key:    key,
	}
}

func (l *RedisLogger) Name() string {
	return "jobcomp/redis"
}

func (l *RedisLogger) Write(ctx *corralcontext.Context, rec *JobRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(l.client.RPush(ctx, l.key, payload).Err())
}

func (l *RedisLogger) Close() error {
	return errors.WithStack(l.client.Close())
}

const defaultPulsarSendTimeout = 5 * time.Second

// PulsarLogger publishes each record, JSON encoded and keyed by job id, to a pulsar topic.
type PulsarLogger struct {
	client      pulsar.Client
	producer    pulsar.Producer
	sendTimeout time.Duration
}

func NewPulsarLogger(config *commonconfig.PulsarConfig) (*PulsarLogger, error) {
	client, err := pulsarutils.NewPulsarClient(config)
	if err != nil {
		return nil, err
	}
	producer, err := pulsarutils.NewProducer(client, config, "corral-jobcomp")
	if err != nil {
		client.Close()
		return nil, err
	}
	return newPulsarLogger(client, producer, config.SendTimeout), nil
}

func newPulsarLogger(client pulsar.Client, producer pulsar.Producer, sendTimeout time.Duration) *PulsarLogger {
	if sendTimeout <= 0 {
		sendTimeout = defaultPulsarSendTimeout
	}
	return &PulsarLogger{client: client, producer: producer, sendTimeout: sendTimeout}
}

func (l *PulsarLogger) Name() string {
	return "jobcomp/pulsar"
}

func (l *PulsarLogger) Write(ctx *corralcontext.Context, rec *JobRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return errors.WithStack(err)
	}
	sendCtx, cancel := corralcontext.WithTimeout(ctx, l.sendTimeout)
	defer cancel()
	_, err = l.producer.Send(sendCtx, &pulsar.ProducerMessage{
		Payload: payload,
		Key:     strconv.FormatUint(uint64(rec.JobId), 10),
		Properties: map[string]string{
			"cluster":   rec.Cluster,
			"state":     rec.State.String(),
			"record_id": rec.RecordId.String(),
		},
		EventTime: rec.EndTime,
	})
	return errors.WithStack(err)
}

func (l *PulsarLogger) Close() error {
	l.producer.Close()
	if l.client != nil {
		l.client.Close()
	}
	return nil
}
