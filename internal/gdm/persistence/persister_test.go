package persistence

import (
	"bytes"
	"context"
	stderrors "errors"
	"io"
	"sync"
	"testing"
	"time"

	"gdm-risk-service/internal/common/errors"
	"gdm-risk-service/internal/common/logger"
	"gdm-risk-service/internal/gdm/features"
	"gdm-risk-service/internal/gdm/inference"

	"github.com/alicebob/miniredis/v2"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockObjectStore is a testify mock of the S3 subset.
type MockObjectStore struct {
	mock.Mock
}

func (m *MockObjectStore) PutObject(ctx context.Context, input *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	args := m.Called(ctx, input)
	out, _ := args.Get(0).(*s3.PutObjectOutput)
	return out, args.Error(1)
}

func (m *MockObjectStore) GetObject(ctx context.Context, input *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	args := m.Called(ctx, input)
	out, _ := args.Get(0).(*s3.GetObjectOutput)
	return out, args.Error(1)
}

// memStore keeps objects in memory and counts calls.
type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    int
	gets    int
}

func newMemStore() *memStore {
	return &memStore{objects: make(map[string][]byte)}
}

func (s *memStore) PutObject(ctx context.Context, input *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(input.Body)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.puts++
	s.objects[aws.ToString(input.Bucket)+"/"+aws.ToString(input.Key)] = data
	return &s3.PutObjectOutput{ETag: aws.String(`"etag"`)}, nil
}

func (s *memStore) GetObject(ctx context.Context, input *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++
	data, ok := s.objects[aws.ToString(input.Bucket)+"/"+aws.ToString(input.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (s *memStore) object(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.objects["gdmtool/"+key])
}

func newTestPersister(t *testing.T, store ObjectStore, cache *AuditCache) *Persister {
	return NewPersister(PersisterOptions{
		Store:  store,
		Bucket: "gdmtool",
		Cache:  cache,
		Logger: logger.NewTestLogger(t),
	})
}

func TestPersist_WritesAuditCSV(t *testing.T) {
	store := newMemStore()
	p := newTestPersister(t, store, nil)

	receipt, err := p.Persist(context.Background(), "GDM-0042", inference.RiskLow, 0)
	require.NoError(t, err)

	assert.Equal(t, "gdmtool", receipt.Bucket)
	assert.Equal(t, "GDM_prediction_GDM-0042.csv", receipt.Key)
	assert.Equal(t, `"etag"`, receipt.ETag)
	assert.False(t, receipt.WrittenAt.IsZero())

	body := store.object("GDM_prediction_GDM-0042.csv")
	assert.Equal(t, ",Study Participant ID,Prediction,Clinician Prediction\n0,GDM-0042,0,0\n", body)
	assert.Equal(t, len(body), receipt.Bytes)
}

func TestPersist_PutObjectInput(t *testing.T) {
	store := new(MockObjectStore)
	store.On("PutObject", mock.Anything, mock.MatchedBy(func(in *s3.PutObjectInput) bool {
		return aws.ToString(in.Bucket) == "gdmtool" &&
			aws.ToString(in.Key) == "GDM_prediction_P1.csv" &&
			aws.ToString(in.ContentType) == "text/csv"
	})).Return(&s3.PutObjectOutput{VersionId: aws.String("v7")}, nil).Once()

	receipt, err := newTestPersister(t, store, nil).Persist(context.Background(), "P1", inference.RiskHigh, 1)
	require.NoError(t, err)
	assert.Equal(t, "v7", receipt.VersionID)
	store.AssertExpectations(t)
}

func TestPersist_StorageFailure(t *testing.T) {
	store := new(MockObjectStore)
	cause := stderrors.New("access denied")
	store.On("PutObject", mock.Anything, mock.Anything).Return(nil, cause).Once()

	receipt, err := newTestPersister(t, store, nil).Persist(context.Background(), "P1", inference.RiskHigh, 1)
	assert.Nil(t, receipt)
	require.Error(t, err)
	assert.True(t, errors.IsStorage(err))
	assert.True(t, stderrors.Is(err, cause))
}

func TestPersist_RejectsInvalidClinicianCode(t *testing.T) {
	store := new(MockObjectStore)

	_, err := newTestPersister(t, store, nil).Persist(context.Background(), "P1", inference.RiskLow, 2)
	assert.True(t, errors.IsStorage(err))
	store.AssertNotCalled(t, "PutObject", mock.Anything, mock.Anything)
}

func TestPersist_ReusedIdentifierOverwrites(t *testing.T) {
	store := newMemStore()
	p := newTestPersister(t, store, nil)
	ctx := context.Background()

	_, err := p.Persist(ctx, "REUSED", inference.RiskLow, 0)
	require.NoError(t, err)
	_, err = p.Persist(ctx, "REUSED", inference.RiskHigh, 1)
	require.NoError(t, err)

	assert.Equal(t, 2, store.puts)
	rec, err := p.Lookup(ctx, "REUSED")
	require.NoError(t, err)
	assert.Equal(t, AuditRecord{Identifier: "REUSED", Prediction: 1, Clinician: 1}, *rec)
}

func TestLookup_NotFound(t *testing.T) {
	_, err := newTestPersister(t, newMemStore(), nil).Lookup(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestLookup_ReadFailure(t *testing.T) {
	store := new(MockObjectStore)
	store.On("GetObject", mock.Anything, mock.Anything).Return(nil, stderrors.New("timeout")).Once()

	_, err := newTestPersister(t, store, nil).Lookup(context.Background(), "P1")
	assert.True(t, errors.IsStorage(err))
}

func newTestCache(t *testing.T) (*AuditCache, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewAuditCache(rdb, time.Hour), mr
}

func TestLookup_ServedFromCacheAfterPersist(t *testing.T) {
	cache, mr := newTestCache(t)
	store := newMemStore()
	p := newTestPersister(t, store, cache)
	ctx := context.Background()

	_, err := p.Persist(ctx, "C1", inference.RiskHigh, 0)
	require.NoError(t, err)
	assert.True(t, mr.Exists("gdm:audit:GDM_prediction_C1.csv"))

	rec, err := p.Lookup(ctx, "C1")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Prediction)
	assert.Equal(t, 0, store.gets)
}

func TestLookup_CacheTracksLatestOverwrite(t *testing.T) {
	cache, _ := newTestCache(t)
	p := newTestPersister(t, newMemStore(), cache)
	ctx := context.Background()

	_, err := p.Persist(ctx, "C2", inference.RiskLow, 0)
	require.NoError(t, err)
	_, err = p.Persist(ctx, "C2", inference.RiskHigh, 1)
	require.NoError(t, err)

	rec, err := p.Lookup(ctx, "C2")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Prediction)
	assert.Equal(t, 1, rec.Clinician)
}

func TestLookup_OverwriteDuringCacheOutage(t *testing.T) {
	cache, mr := newTestCache(t)
	store := newMemStore()
	p := newTestPersister(t, store, cache)
	ctx := context.Background()

	_, err := p.Persist(ctx, "C6", inference.RiskLow, 0)
	require.NoError(t, err)

	mr.SetError("LOADING Redis is loading the dataset in memory")
	_, err = p.Persist(ctx, "C6", inference.RiskHigh, 1)
	require.NoError(t, err)
	mr.SetError("")

	assert.Equal(t, ",Study Participant ID,Prediction,Clinician Prediction\n0,C6,1,1\n", store.object("GDM_prediction_C6.csv"))

	rec, err := p.Lookup(ctx, "C6")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Prediction)
	assert.Equal(t, 1, rec.Clinician)
	assert.Equal(t, 1, store.gets)

	cached, err := mr.Get("gdm:audit:GDM_prediction_C6.csv")
	require.NoError(t, err)
	assert.Equal(t, store.object("GDM_prediction_C6.csv"), cached)

	_, err = p.Lookup(ctx, "C6")
	require.NoError(t, err)
	assert.Equal(t, 1, store.gets, "cache is trusted again once refreshed")
}

func TestLookup_CorruptCacheEntryIsReplaced(t *testing.T) {
	cache, mr := newTestCache(t)
	store := newMemStore()
	_, err := newTestPersister(t, store, nil).Persist(context.Background(), "C7", inference.RiskHigh, 0)
	require.NoError(t, err)
	require.NoError(t, mr.Set("gdm:audit:GDM_prediction_C7.csv", "not,a\ncsv"))

	rec, err := newTestPersister(t, store, cache).Lookup(context.Background(), "C7")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Prediction)

	cached, err := mr.Get("gdm:audit:GDM_prediction_C7.csv")
	require.NoError(t, err)
	assert.Equal(t, store.object("GDM_prediction_C7.csv"), cached)
}

func TestAuditCache_FillKeepsNewerBody(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "k", []byte("new")))
	require.NoError(t, cache.Fill(ctx, "k", []byte("old")))

	data, ok, err := cache.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "new", string(data))

	require.NoError(t, cache.Delete(ctx, "k"))
	_, ok, err = cache.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLookup_MissFillsCache(t *testing.T) {
	cache, mr := newTestCache(t)
	store := newMemStore()

	// written by another process, so the cache has never seen it
	_, err := newTestPersister(t, store, nil).Persist(context.Background(), "C3", inference.RiskLow, 1)
	require.NoError(t, err)

	p := newTestPersister(t, store, cache)
	_, err = p.Lookup(context.Background(), "C3")
	require.NoError(t, err)
	assert.Equal(t, 1, store.gets)
	assert.True(t, mr.Exists("gdm:audit:GDM_prediction_C3.csv"))

	_, err = p.Lookup(context.Background(), "C3")
	require.NoError(t, err)
	assert.Equal(t, 1, store.gets)
}

func TestPersist_CacheOutageIsNotFatal(t *testing.T) {
	cache, mr := newTestCache(t)
	mr.Close()

	store := newMemStore()
	p := newTestPersister(t, store, cache)

	_, err := p.Persist(context.Background(), "C4", inference.RiskLow, 0)
	require.NoError(t, err)

	rec, err := p.Lookup(context.Background(), "C4")
	require.NoError(t, err)
	assert.Equal(t, "C4", rec.Identifier)
}

func TestExportFull(t *testing.T) {
	h, w := 160.0, 70.0
	age, sys, dia, par := 30, 120, 80, 1
	record, err := features.NewBuilder(nil).Build(features.RawInput{
		Identifier:        "GDM-0042",
		HeightCM:          &h,
		WeightKG:          &w,
		Age:               &age,
		SystolicBP:        &sys,
		DiastolicBP:       &dia,
		Parity:            &par,
		HxGDM:             "NO",
		FHDiabetes:        "NO",
		EthnicOrigin:      "CAUCASIAN",
		SkillLevel:        "4 - Managers and Professionals",
		OtherEndocrine:    "NO",
		ClinicianJudgment: "Low Risk",
	})
	require.NoError(t, err)

	artifact, err := ExportFull(record)
	require.NoError(t, err)

	assert.Equal(t, "GDM_prediction_GDM-0042.csv", artifact.FileName)
	assert.Equal(t, "text/csv", artifact.ContentType)
	assert.Equal(t,
		"Ethnic Origin of Patient,Age at booking,Skill Level,Hx_GDM,BMI,FH Diabetes,Other Endocrine probs,"+
			"Systolic BP at booking,Diastolic BP at booking,Parity (not inc.multiple)\n"+
			"CAUCASIAN,30,4,0,27.34375,NO,0,120,80,1\n",
		string(artifact.Data))
}

func TestAuditCSV_DecodeWithoutIndexColumn(t *testing.T) {
	rec, err := DecodeAuditCSV([]byte("Study Participant ID,Prediction,Clinician Prediction\nX9,1,0\n"))
	require.NoError(t, err)
	assert.Equal(t, AuditRecord{Identifier: "X9", Prediction: 1, Clinician: 0}, *rec)

	_, err = DecodeAuditCSV([]byte("Study Participant ID,Prediction\nX9,1\n"))
	assert.Error(t, err)
}

func TestAuditCSV_QuotesIdentifiers(t *testing.T) {
	data, err := EncodeAuditCSV(AuditRecord{Identifier: `A,"B"`, Prediction: 1, Clinician: 1})
	require.NoError(t, err)

	rec, err := DecodeAuditCSV(data)
	require.NoError(t, err)
	assert.Equal(t, `A,"B"`, rec.Identifier)
}
