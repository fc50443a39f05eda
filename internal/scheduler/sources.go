package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"feedsync/internal/models"
)

// ErrReadOnly is returned by sources that cannot be written through the API.
var ErrReadOnly = errors.New("trigger source is read-only")

// TriggerStore is a TriggerSource that can also be listed and edited.
type TriggerStore interface {
	TriggerSource
	List(ctx context.Context) ([]models.TriggerDescriptor, error)
	Put(ctx context.Context, d models.TriggerDescriptor) error
}

// Validate checks that d can be scheduled.
func Validate(d models.TriggerDescriptor) error {
	if strings.TrimSpace(d.JobID) == "" {
		return errors.New("jobId is required")
	}
	_, err := NextFiring(d, time.Now())
	return err
}

// StaticSource keeps descriptors in memory.
type StaticSource struct {
	mu    sync.RWMutex
	descs map[string]models.TriggerDescriptor
}

func NewStaticSource(descs ...models.TriggerDescriptor) *StaticSource {
	s := &StaticSource{descs: make(map[string]models.TriggerDescriptor, len(descs))}
	for _, d := range descs {
		s.descs[d.JobID] = d
	}
	return s
}

func (s *StaticSource) Get(_ context.Context, jobID string) (models.TriggerDescriptor, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.descs[jobID]
	return d, ok, nil
}

func (s *StaticSource) List(context.Context) ([]models.TriggerDescriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.TriggerDescriptor, 0, len(s.descs))
	for _, d := range s.descs {
		out = append(out, d)
	}
	sortDescriptors(out)
	return out, nil
}

func (s *StaticSource) Put(_ context.Context, d models.TriggerDescriptor) error {
	if err := Validate(d); err != nil {
		return err
	}
	s.mu.Lock()
	s.descs[d.JobID] = d
	s.mu.Unlock()
	return nil
}

const triggerKeyPrefix = "triggers:"

// RedisSource stores each descriptor in a hash at triggers:<jobId>.
type RedisSource struct {
	rdb redis.UniversalClient
}

func NewRedisSource(rdb redis.UniversalClient) *RedisSource {
	return &RedisSource{rdb: rdb}
}

func (s *RedisSource) Get(ctx context.Context, jobID string) (models.TriggerDescriptor, bool, error) {
	fields, err := s.rdb.HGetAll(ctx, triggerKeyPrefix+jobID).Result()
	if err != nil {
		return models.TriggerDescriptor{}, false, fmt.Errorf("read trigger %s: %w", jobID, err)
	}
	if len(fields) == 0 {
		return models.TriggerDescriptor{}, false, nil
	}
	enabled, _ := strconv.ParseBool(fields["enabled"])
	return models.TriggerDescriptor{
		JobID:    jobID,
		Enabled:  enabled,
		Schedule: fields["schedule"],
		Timezone: fields["timezone"],
	}, true, nil
}

func (s *RedisSource) List(ctx context.Context) ([]models.TriggerDescriptor, error) {
	var out []models.TriggerDescriptor
	iter := s.rdb.Scan(ctx, 0, triggerKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		d, ok, err := s.Get(ctx, strings.TrimPrefix(iter.Val(), triggerKeyPrefix))
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, d)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan triggers: %w", err)
	}
	sortDescriptors(out)
	return out, nil
}

func (s *RedisSource) Put(ctx context.Context, d models.TriggerDescriptor) error {
	if err := Validate(d); err != nil {
		return err
	}
	if err := s.rdb.HSet(ctx, triggerKeyPrefix+d.JobID, descriptorFields(d)).Err(); err != nil {
		return fmt.Errorf("write trigger %s: %w", d.JobID, err)
	}
	return nil
}

// Seed writes defaults for job ids that have no descriptor yet. Existing
// descriptors are never overwritten.
func (s *RedisSource) Seed(ctx context.Context, defaults []models.TriggerDescriptor) (int, error) {
	seeded := 0
	for _, d := range defaults {
		if err := Validate(d); err != nil {
			return seeded, err
		}
		key := triggerKeyPrefix + d.JobID
		ok, err := s.rdb.HSetNX(ctx, key, "schedule", d.Schedule).Result()
		if err != nil {
			return seeded, fmt.Errorf("seed trigger %s: %w", d.JobID, err)
		}
		if !ok {
			continue
		}
		if err := s.rdb.HSet(ctx, key, descriptorFields(d)).Err(); err != nil {
			return seeded, fmt.Errorf("seed trigger %s: %w", d.JobID, err)
		}
		seeded++
	}
	return seeded, nil
}

func descriptorFields(d models.TriggerDescriptor) map[string]any {
	return map[string]any{
		"enabled":  strconv.FormatBool(d.Enabled),
		"schedule": d.Schedule,
		"timezone": d.Timezone,
	}
}

// FileSource reads a triggers list from a YAML or JSON file and reloads it
// when the file changes:
//
//	triggers:
//	  - job_id: outbox.dispatch
//	    enabled: true
//	    schedule: "@every 5s"
type FileSource struct {
	v   *viper.Viper
	log *zap.Logger

	mu    sync.RWMutex
	descs map[string]models.TriggerDescriptor
}

func NewFileSource(path string, logger *zap.Logger) (*FileSource, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read trigger file: %w", err)
	}
	s := &FileSource{v: v, log: logger}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Watch reloads descriptors whenever the file is written.
func (s *FileSource) Watch() {
	s.v.OnConfigChange(func(e fsnotify.Event) {
		if err := s.reload(); err != nil {
			s.log.Warn("reload trigger file", zap.String("file", e.Name), zap.Error(err))
			return
		}
		s.log.Info("trigger file reloaded", zap.String("file", e.Name))
	})
	s.v.WatchConfig()
}

func (s *FileSource) reload() error {
	var list []models.TriggerDescriptor
	if err := s.v.UnmarshalKey("triggers", &list); err != nil {
		return fmt.Errorf("decode triggers: %w", err)
	}
	descs := make(map[string]models.TriggerDescriptor, len(list))
	for _, d := range list {
		if err := Validate(d); err != nil {
			return err
		}
		descs[d.JobID] = d
	}
	s.mu.Lock()
	s.descs = descs
	s.mu.Unlock()
	return nil
}

func (s *FileSource) Get(_ context.Context, jobID string) (models.TriggerDescriptor, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.descs[jobID]
	return d, ok, nil
}

func (s *FileSource) List(context.Context) ([]models.TriggerDescriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.TriggerDescriptor, 0, len(s.descs))
	for _, d := range s.descs {
		out = append(out, d)
	}
	sortDescriptors(out)
	return out, nil
}

func (s *FileSource) Put(context.Context, models.TriggerDescriptor) error { return ErrReadOnly }

func sortDescriptors(ds []models.TriggerDescriptor) {
	sort.Slice(ds, func(i, j int) bool { return ds[i].JobID < ds[j].JobID })
}
