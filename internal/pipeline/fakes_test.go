package pipeline_test

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/gas/internal/annotate"
	"github.com/kiranshivaraju/gas/internal/bus"
	"github.com/kiranshivaraju/gas/internal/mail"
	"github.com/kiranshivaraju/gas/internal/objstore"
	"github.com/kiranshivaraju/gas/internal/pipeline"
	"github.com/kiranshivaraju/gas/internal/profile"
	"github.com/kiranshivaraju/gas/internal/queue"
	"github.com/kiranshivaraju/gas/internal/scheduler"
	"github.com/kiranshivaraju/gas/internal/store"
	"github.com/kiranshivaraju/gas/internal/vault"
	"github.com/kiranshivaraju/gas/pkg/models"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// --- mocks ---

type fakeObjects struct {
	mu        sync.Mutex
	objects   map[string][]byte
	getErr    error
	putErr    error
	uploadErr error
	deleteErr error
	deleted   []string
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{objects: make(map[string][]byte)}
}

func objectKey(bucket, key string) string { return bucket + "/" + key }

func (o *fakeObjects) Get(_ context.Context, bucket, key string) ([]byte, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.getErr != nil {
		return nil, o.getErr
	}
	data, ok := o.objects[objectKey(bucket, key)]
	if !ok {
		return nil, objstore.ErrNotFound
	}
	return data, nil
}

func (o *fakeObjects) Put(_ context.Context, bucket, key string, data []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.putErr != nil {
		return o.putErr
	}
	o.objects[objectKey(bucket, key)] = data
	return nil
}

func (o *fakeObjects) Download(ctx context.Context, bucket, key, path string) error {
	data, err := o.Get(ctx, bucket, key)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func (o *fakeObjects) Upload(ctx context.Context, bucket, key, path string) error {
	o.mu.Lock()
	uploadErr := o.uploadErr
	o.mu.Unlock()
	if uploadErr != nil {
		return uploadErr
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return o.Put(ctx, bucket, key, data)
}

func (o *fakeObjects) Delete(_ context.Context, bucket, key string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.deleteErr != nil {
		return o.deleteErr
	}
	delete(o.objects, objectKey(bucket, key))
	o.deleted = append(o.deleted, objectKey(bucket, key))
	return nil
}

func (o *fakeObjects) Presign(_ context.Context, bucket, key string, _ time.Duration) (string, error) {
	return "https://objects.test/" + objectKey(bucket, key), nil
}

func (o *fakeObjects) has(bucket, key string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.objects[objectKey(bucket, key)]
	return ok
}

type retrievalCall struct {
	ArchiveID string
	Tier      models.ThawType
	Topic     string
	Desc      string
}

type fakeVault struct {
	mu         sync.Mutex
	archives   map[string][]byte
	uploadErr  error
	tierErrs   map[models.ThawType]error
	noCapacity map[string]bool
	retrievals []retrievalCall
	statuses   map[string]vault.RetrievalStatus
	outputs    map[string][]byte
	describe   error
	deleteErr  error
	deleted    []string
	seq        int
}

func newFakeVault() *fakeVault {
	return &fakeVault{
		archives:   make(map[string][]byte),
		tierErrs:   make(map[models.ThawType]error),
		noCapacity: make(map[string]bool),
		statuses:   make(map[string]vault.RetrievalStatus),
		outputs:    make(map[string][]byte),
	}
}

func (v *fakeVault) Upload(_ context.Context, _ string, data []byte) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.uploadErr != nil {
		return "", v.uploadErr
	}
	v.seq++
	id := fmt.Sprintf("archive-%d", v.seq)
	v.archives[id] = data
	return id, nil
}

func (v *fakeVault) InitiateRetrieval(_ context.Context, req vault.RetrievalRequest) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.retrievals = append(v.retrievals, retrievalCall{
		ArchiveID: req.ArchiveID, Tier: req.Tier, Topic: req.CallbackTopic, Desc: req.Description,
	})
	if err := v.tierErrs[req.Tier]; err != nil {
		return "", err
	}
	if req.Tier == models.ThawTypeExpedited && v.noCapacity[req.ArchiveID] {
		return "", vault.ErrInsufficientCapacity
	}
	v.seq++
	id := fmt.Sprintf("retrieval-%d", v.seq)
	v.statuses[id] = vault.StatusInProgress
	v.outputs[id] = v.archives[req.ArchiveID]
	return id, nil
}

func (v *fakeVault) DescribeRetrieval(_ context.Context, jobID string) (vault.RetrievalStatus, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.describe != nil {
		return "", v.describe
	}
	s, ok := v.statuses[jobID]
	if !ok {
		return "", vault.ErrNotFound
	}
	return s, nil
}

func (v *fakeVault) FetchRetrievalOutput(_ context.Context, jobID string) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	data, ok := v.outputs[jobID]
	if !ok {
		return nil, vault.ErrNotFound
	}
	return data, nil
}

func (v *fakeVault) DeleteArchive(_ context.Context, archiveID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.deleteErr != nil {
		return v.deleteErr
	}
	if _, ok := v.archives[archiveID]; !ok {
		return vault.ErrNotFound
	}
	delete(v.archives, archiveID)
	v.deleted = append(v.deleted, archiveID)
	return nil
}

func (v *fakeVault) complete(retrievalID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.statuses[retrievalID] = vault.StatusSucceeded
}

type fakeProfiles struct {
	mu       sync.Mutex
	profiles map[string]*models.UserProfile
	err      error
}

func newFakeProfiles(profiles ...*models.UserProfile) *fakeProfiles {
	p := &fakeProfiles{profiles: make(map[string]*models.UserProfile)}
	for _, u := range profiles {
		p.profiles[u.UserID] = u
	}
	return p
}

func (p *fakeProfiles) GetProfile(_ context.Context, userID string) (*models.UserProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	u, ok := p.profiles[userID]
	if !ok {
		return nil, profile.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (p *fakeProfiles) setRole(userID, role string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.profiles[userID].Role = role
}

type fakeMail struct {
	mu   sync.Mutex
	sent []*mail.Message
	err  error
}

func (m *fakeMail) Send(_ context.Context, msg *mail.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, msg)
	return nil
}

type scheduled struct {
	Kind    string
	Payload json.RawMessage
	Delay   time.Duration
}

type fakeScheduler struct {
	mu      sync.Mutex
	entries []scheduled
	err     error
}

func (s *fakeScheduler) Schedule(_ context.Context, kind string, payload any, delay time.Duration) (*scheduler.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	s.entries = append(s.entries, scheduled{Kind: kind, Payload: raw, Delay: delay})
	now := time.Now()
	return &scheduler.Entry{
		ID:          uuid.NewString(),
		Kind:        kind,
		Payload:     raw,
		ScheduledAt: now,
		DueAt:       now.Add(delay),
	}, nil
}

// entry returns the i-th scheduled call as the scheduler would hand it back.
func (s *fakeScheduler) entry(i int) scheduler.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return scheduler.Entry{ID: fmt.Sprintf("entry-%d", i), Kind: s.entries[i].Kind, Payload: s.entries[i].Payload, Attempts: 1}
}

type fakeLauncher struct {
	mu       sync.Mutex
	launched []annotate.Request
	err      error
}

func (l *fakeLauncher) Launch(_ context.Context, req annotate.Request) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	l.launched = append(l.launched, req)
	return nil
}

// fakeTool writes the result and log files the real tool would produce.
type fakeTool struct {
	err error
}

func (t *fakeTool) Run(_ context.Context, inputPath string) error {
	if t.err != nil {
		return t.err
	}
	dir := filepath.Dir(inputPath)
	resultFile, logFile := objstore.ResultFileNames(filepath.Base(inputPath))
	if err := os.WriteFile(filepath.Join(dir, resultFile), []byte("annotated"), 0o644); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, logFile), []byte("counts"), 0o644)
}

// --- helpers ---

type env struct {
	deps      pipeline.Deps
	redis     *redis.Client
	store     *store.MemoryStore
	queue     *queue.RedisQueue
	bus       *bus.RedisBus
	objects   *fakeObjects
	vault     *fakeVault
	profiles  *fakeProfiles
	mail      *fakeMail
	scheduler *fakeScheduler
	launcher  *fakeLauncher
	workDir   string
}

func newEnv(t *testing.T, profiles ...*models.UserProfile) *env {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	q := queue.NewRedisQueue(client, time.Minute, queue.WithPollInterval(10*time.Millisecond))
	e := &env{
		redis:     client,
		store:     store.NewMemoryStore(),
		queue:     q,
		bus:       bus.NewRedisBus(client, q),
		objects:   newFakeObjects(),
		vault:     newFakeVault(),
		profiles:  newFakeProfiles(profiles...),
		mail:      &fakeMail{},
		scheduler: &fakeScheduler{},
		launcher:  &fakeLauncher{},
		workDir:   t.TempDir(),
	}
	e.deps = pipeline.Deps{
		Store:     e.store,
		Queue:     e.queue,
		Bus:       e.bus,
		Objects:   e.objects,
		Vault:     e.vault,
		Profiles:  e.profiles,
		Mail:      e.mail,
		Scheduler: e.scheduler,
		Launcher:  e.launcher,
		Now:       func() time.Time { return time.Unix(1700000000, 0) },
	}
	return e
}

func freeUser(id string) *models.UserProfile {
	return &models.UserProfile{UserID: id, Name: "Free " + id, Email: id + "@example.com", Role: models.RoleFreeUser}
}

func premiumUser(id string) *models.UserProfile {
	return &models.UserProfile{UserID: id, Name: "Premium " + id, Email: id + "@example.com", Role: models.RolePremiumUser}
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

// sendAndReceive enqueues body and hands back the leased message.
func (e *env) sendAndReceive(t *testing.T, name string, body []byte) queue.Message {
	t.Helper()
	ctx := context.Background()
	_, err := e.queue.Send(ctx, name, body)
	require.NoError(t, err)
	msgs, err := e.queue.Receive(ctx, name, 1, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	return msgs[0]
}

func (e *env) createJob(t *testing.T, job *models.Job) {
	t.Helper()
	require.NoError(t, e.store.CreateJob(context.Background(), job))
}

func (e *env) job(t *testing.T, id string) *models.Job {
	t.Helper()
	j, err := e.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	return j
}

func pendingJob(id, user string) *models.Job {
	return &models.Job{
		JobID:          id,
		UserID:         user,
		InputFileName:  "sample.vcf",
		S3InputsBucket: "inputs",
		S3KeyInputFile: "gas/" + user + "/" + id + "~sample.vcf",
		SubmitTime:     1700000000,
		Status:         models.JobStatusPending,
	}
}

// completedJob returns a COMPLETED job whose result sits at results/<key>.
func completedJob(id, user string) *models.Job {
	j := pendingJob(id, user)
	j.Status = models.JobStatusCompleted
	bucket := "results"
	resultKey, logKey := objstore.ResultKeys("gas/", user, id, j.InputFileName)
	ct := int64(1700000100)
	j.S3ResultsBucket = &bucket
	j.S3KeyResultFile = &resultKey
	j.S3KeyLogFile = &logKey
	j.CompleteTime = &ct
	return j
}
