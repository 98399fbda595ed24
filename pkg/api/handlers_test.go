package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Asdafers/contenitzer/pkg/dispatcher"
	"github.com/Asdafers/contenitzer/pkg/progress"
	"github.com/Asdafers/contenitzer/pkg/schemas"
	"github.com/Asdafers/contenitzer/pkg/storage"
	"github.com/Asdafers/contenitzer/pkg/store"
)

// fakeJobs satisfies JobService against the memory store, standing in
// for the dispatcher so handler tests stay synchronous.
type fakeJobs struct {
	store     store.Store
	submitErr error
	last      *schemas.JobRequest
}

func (f *fakeJobs) Submit(ctx context.Context, req *schemas.JobRequest) (string, error) {
	f.last = req
	if f.submitErr != nil {
		return "", f.submitErr
	}

	now := time.Now().UTC()
	job := &store.Job{
		JobID:          uuid.NewString(),
		Created:        now,
		Updated:        now,
		ScriptContent:  req.ScriptContent,
		AssetTypes:     req.AssetTypes,
		NumAssets:      req.NumAssets,
		RequestedModel: req.Model,
		Settings: schemas.CompositionSettings{
			Resolution:     req.Resolution,
			TargetDuration: schemas.DurationFromSeconds(req.DurationSeconds),
			Quality:        req.Quality,
			IncludeAudio:   req.IncludeAudio,
		},
		Status:  schemas.JobStatePending,
		Version: 1,
	}
	if err := f.store.CreateJob(ctx, job); err != nil {
		return "", err
	}
	return job.JobID, nil
}

func (f *fakeJobs) Cancel(ctx context.Context, jobID string) error {
	_, err := f.store.RequestCancel(ctx, jobID)
	return err
}

func newTestServer(t *testing.T) (*Server, *store.MemoryStore, *fakeJobs, *progress.Publisher) {
	t.Helper()

	st := store.NewMemoryStore()
	t.Cleanup(func() { st.Close() })

	media, err := storage.NewManager(t.TempDir(), "", storage.RetentionPolicy{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	hub := progress.NewPublisher(zerolog.Nop())
	go hub.Run()
	t.Cleanup(hub.Close)

	jobs := &fakeJobs{store: st}
	return NewServer(st, media, jobs, hub, []string{"*"}, zerolog.Nop()), st, jobs, hub
}

func seedJob(t *testing.T, st *store.MemoryStore, status schemas.JobState) *store.Job {
	t.Helper()

	now := time.Now().UTC()
	job := &store.Job{
		JobID:          uuid.NewString(),
		Created:        now,
		Updated:        now,
		ScriptContent:  "A walk through the old town at dusk.",
		AssetTypes:     []schemas.AssetType{schemas.AssetTypeImage, schemas.AssetTypeAudio},
		RequestedModel: "gpt-4o",
		Settings: schemas.CompositionSettings{
			Resolution:     "1280x720",
			TargetDuration: schemas.DurationFromSeconds(30),
			Quality:        schemas.QualityStandard,
			IncludeAudio:   true,
		},
		Status:  status,
		Version: 1,
	}
	if err := st.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	return job
}

func seedAsset(t *testing.T, st *store.MemoryStore, jobID string, scene int) *schemas.Asset {
	t.Helper()

	asset := &schemas.Asset{
		ID:               uuid.NewString(),
		JobID:            jobID,
		Type:             schemas.AssetTypeImage,
		SceneIndex:       scene,
		FilePath:         filepath.Join("assets", "images", jobID, "scene.png"),
		GenerationPrompt: "the old town at dusk",
		ModelUsed:        "gpt-4o",
		CreatedAt:        time.Now().UTC(),
		Image:            &schemas.ImageAttrs{Width: 1280, Height: 720, Format: "png"},
	}
	if err := st.AddAsset(context.Background(), asset); err != nil {
		t.Fatalf("AddAsset: %v", err)
	}
	return asset
}

func seedVideo(t *testing.T, st *store.MemoryStore, jobID, filePath string, size int64) *schemas.GeneratedVideo {
	t.Helper()

	video := &schemas.GeneratedVideo{
		ID:         uuid.NewString(),
		JobID:      jobID,
		FilePath:   filePath,
		Duration:   schemas.DurationFromSeconds(30),
		Resolution: "1280x720",
		Format:     "mp4",
		FileSize:   size,
		CreatedAt:  time.Now().UTC(),
	}
	if err := st.RecordVideo(context.Background(), video); err != nil {
		t.Fatalf("RecordVideo: %v", err)
	}
	return video
}

func decodeError(t *testing.T, body []byte) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("Failed to parse error response %q: %v", body, err)
	}
	return resp
}

func TestHandleHealth(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp["status"] != "healthy" {
		t.Errorf("Expected status 'healthy', got %v", resp["status"])
	}
}

func TestHandleCreateJob(t *testing.T) {
	srv, st, jobs, _ := newTestServer(t)

	body, _ := json.Marshal(schemas.JobRequest{
		ScriptContent:   "A lighthouse keeper greets the morning ferry.",
		AssetTypes:      []schemas.AssetType{schemas.AssetTypeImage, schemas.AssetTypeAudio},
		Model:           "gpt-4o",
		Resolution:      "1280x720",
		DurationSeconds: 45,
		Quality:         schemas.QualityHigh,
		IncludeAudio:    true,
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", bytes.NewReader(body))
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", w.Code, w.Body.String())
	}

	var resp CreateJobResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp.JobID == "" {
		t.Error("Expected non-empty JobID")
	}
	if resp.Status != schemas.JobStatePending {
		t.Errorf("Expected status PENDING, got %s", resp.Status)
	}
	if jobs.last == nil || jobs.last.Quality != schemas.QualityHigh {
		t.Errorf("Submitted request not forwarded to the dispatcher: %+v", jobs.last)
	}

	job, err := st.GetJob(context.Background(), resp.JobID)
	if err != nil {
		t.Fatalf("Failed to get job from store: %v", err)
	}
	if job.Settings.Resolution != "1280x720" {
		t.Errorf("Expected resolution 1280x720, got %s", job.Settings.Resolution)
	}
}

func TestHandleCreateJobAppliesDefaults(t *testing.T) {
	srv, _, jobs, _ := newTestServer(t)

	body := []byte(`{"script_content":"Two friends open a bakery.","asset_types":["IMAGE"],"model":"gpt-4o"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", bytes.NewReader(body))
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", w.Code, w.Body.String())
	}
	if jobs.last.Resolution != "1920x1080" {
		t.Errorf("Expected default resolution 1920x1080, got %s", jobs.last.Resolution)
	}
	if jobs.last.Quality != schemas.QualityStandard {
		t.Errorf("Expected default quality standard, got %s", jobs.last.Quality)
	}
	if jobs.last.DurationSeconds != 60 {
		t.Errorf("Expected default duration 60, got %d", jobs.last.DurationSeconds)
	}
}

func TestHandleCreateJobInvalidJSON(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", strings.NewReader("not json"))
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}
	if resp := decodeError(t, w.Body.Bytes()); resp.Error != "invalid_request" {
		t.Errorf("Expected error invalid_request, got %s", resp.Error)
	}
}

func TestHandleCreateJobValidationError(t *testing.T) {
	srv, _, jobs, _ := newTestServer(t)
	jobs.submitErr = &dispatcher.ValidationError{Field: "script_content", Message: "script must not be empty"}

	body := []byte(`{"script_content":"","asset_types":["IMAGE"],"model":"gpt-4o"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", bytes.NewReader(body))
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected status 400, got %d", w.Code)
	}
	resp := decodeError(t, w.Body.Bytes())
	if resp.Error != "validation_error" {
		t.Errorf("Expected error validation_error, got %s", resp.Error)
	}
	if !strings.Contains(resp.Message, "script_content") {
		t.Errorf("Expected message to name the field, got %q", resp.Message)
	}
}

func TestHandleCreateJobQueueFull(t *testing.T) {
	srv, _, jobs, _ := newTestServer(t)
	jobs.submitErr = dispatcher.ErrQueueFull

	body := []byte(`{"script_content":"A story.","asset_types":["IMAGE"],"model":"gpt-4o"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", bytes.NewReader(body))
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("Expected status 503, got %d", w.Code)
	}
	if resp := decodeError(t, w.Body.Bytes()); resp.Error != "queue_full" {
		t.Errorf("Expected error queue_full, got %s", resp.Error)
	}
}

func TestHandleGetJob(t *testing.T) {
	srv, st, _, _ := newTestServer(t)
	job := seedJob(t, st, schemas.JobStatePending)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+job.JobID, nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var resp schemas.JobStatus
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp.JobID != job.JobID {
		t.Errorf("Expected JobID %s, got %s", job.JobID, resp.JobID)
	}
	if resp.Status != schemas.JobStatePending {
		t.Errorf("Expected status PENDING, got %s", resp.Status)
	}
	if resp.Assets != nil {
		t.Errorf("Expected no embedded assets without include, got %d", len(resp.Assets))
	}
}

func TestHandleGetJobNotFound(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/nonexistent", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

func TestHandleGetJobIncludesAssets(t *testing.T) {
	srv, st, _, _ := newTestServer(t)
	job := seedJob(t, st, schemas.JobStateGeneratingAssets)
	seedAsset(t, st, job.JobID, 0)
	seedAsset(t, st, job.JobID, 1)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+job.JobID+"?include=assets", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var resp schemas.JobStatus
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if len(resp.Assets) != 2 {
		t.Fatalf("Expected 2 embedded assets, got %d", len(resp.Assets))
	}
	if resp.Assets[0].SceneIndex != 0 || resp.Assets[1].SceneIndex != 1 {
		t.Errorf("Expected assets ordered by scene, got %d then %d",
			resp.Assets[0].SceneIndex, resp.Assets[1].SceneIndex)
	}
}

func TestHandleGetJobCompletedCarriesVideo(t *testing.T) {
	srv, st, _, _ := newTestServer(t)
	job := seedJob(t, st, schemas.JobStateCompleted)
	video := seedVideo(t, st, job.JobID, filepath.Join(t.TempDir(), "final.mp4"), 8)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+job.JobID, nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var resp schemas.JobStatus
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp.Video == nil {
		t.Fatal("Expected completed job to carry its video record")
	}
	if resp.Video.ID != video.ID {
		t.Errorf("Expected video %s, got %s", video.ID, resp.Video.ID)
	}
}

func TestHandleListJobs(t *testing.T) {
	srv, st, _, _ := newTestServer(t)
	for i := 0; i < 3; i++ {
		seedJob(t, st, schemas.JobStatePending)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var resp []*schemas.JobStatus
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if len(resp) != 3 {
		t.Errorf("Expected 3 jobs, got %d", len(resp))
	}
}

func TestHandleListJobsStatusFilter(t *testing.T) {
	srv, st, _, _ := newTestServer(t)
	seedJob(t, st, schemas.JobStatePending)
	seedJob(t, st, schemas.JobStateGeneratingAssets)
	seedJob(t, st, schemas.JobStateCompleted)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs?status=pending", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var resp []*schemas.JobStatus
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if len(resp) != 1 {
		t.Fatalf("Expected 1 pending job, got %d", len(resp))
	}
	if resp[0].Status != schemas.JobStatePending {
		t.Errorf("Expected PENDING, got %s", resp[0].Status)
	}
}

func TestHandleListJobsBadStatus(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs?status=EXPLODED", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}
	if resp := decodeError(t, w.Body.Bytes()); resp.Error != "invalid_filter" {
		t.Errorf("Expected error invalid_filter, got %s", resp.Error)
	}
}

func TestHandleListJobsPagination(t *testing.T) {
	srv, st, _, _ := newTestServer(t)
	for i := 0; i < 5; i++ {
		seedJob(t, st, schemas.JobStatePending)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs?limit=2&offset=4", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var resp []*schemas.JobStatus
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if len(resp) != 1 {
		t.Errorf("Expected 1 job on the last page, got %d", len(resp))
	}
}

func TestHandleCancelJob(t *testing.T) {
	srv, st, _, _ := newTestServer(t)
	job := seedJob(t, st, schemas.JobStateGeneratingAssets)

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/jobs/"+job.JobID, nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d: %s", w.Code, w.Body.String())
	}
	var resp schemas.JobStatus
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if !resp.CancelRequested {
		t.Error("Expected cancel_requested to be set")
	}
	if resp.Status != schemas.JobStateGeneratingAssets {
		t.Errorf("Cancellation is cooperative; expected GENERATING_ASSETS, got %s", resp.Status)
	}
}

func TestHandleCancelJobTerminal(t *testing.T) {
	srv, st, _, _ := newTestServer(t)
	job := seedJob(t, st, schemas.JobStateCompleted)

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/jobs/"+job.JobID, nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusConflict {
		t.Errorf("Expected status 409, got %d", w.Code)
	}
	if resp := decodeError(t, w.Body.Bytes()); resp.Error != "job_terminal" {
		t.Errorf("Expected error job_terminal, got %s", resp.Error)
	}
}

func TestHandleCancelJobNotFound(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/jobs/nonexistent", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

func TestHandleDownloadVideo(t *testing.T) {
	srv, st, _, _ := newTestServer(t)
	job := seedJob(t, st, schemas.JobStateCompleted)

	content := []byte("rendered video bytes, long enough for range requests")
	path := filepath.Join(t.TempDir(), "final.mp4")
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	video := seedVideo(t, st, job.JobID, path, int64(len(content)))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/videos/"+video.ID, nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "video/mp4" {
		t.Errorf("Expected Content-Type video/mp4, got %s", ct)
	}
	if !bytes.Equal(w.Body.Bytes(), content) {
		t.Error("Downloaded bytes do not match the stored video")
	}
}

func TestHandleDownloadVideoRange(t *testing.T) {
	srv, st, _, _ := newTestServer(t)
	job := seedJob(t, st, schemas.JobStateCompleted)

	content := []byte("0123456789abcdefghij")
	path := filepath.Join(t.TempDir(), "final.mp4")
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	video := seedVideo(t, st, job.JobID, path, int64(len(content)))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/videos/"+video.ID, nil)
	req.Header.Set("Range", "bytes=0-9")
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusPartialContent {
		t.Fatalf("Expected status 206, got %d", w.Code)
	}
	if got := w.Body.String(); got != "0123456789" {
		t.Errorf("Expected first ten bytes, got %q", got)
	}
}

func TestHandleDownloadVideoNotFound(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/videos/nonexistent", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

func TestHandleDownloadVideoEvicted(t *testing.T) {
	srv, st, _, _ := newTestServer(t)
	job := seedJob(t, st, schemas.JobStateCompleted)
	video := seedVideo(t, st, job.JobID, filepath.Join(t.TempDir(), "gone.mp4"), 10)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/videos/"+video.ID, nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusGone {
		t.Errorf("Expected status 410 for an evicted file, got %d", w.Code)
	}
}

func TestHandleStorageStats(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/storage/stats", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var records []schemas.StorageRecord
	if err := json.Unmarshal(w.Body.Bytes(), &records); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if len(records) != 5 {
		t.Errorf("Expected 5 storage areas, got %d", len(records))
	}
	for _, rec := range records {
		if rec.Directory == "" {
			t.Errorf("Storage record missing directory: %+v", rec)
		}
	}
}

// readEvent scans SSE lines until one full event frame has been read.
func readEvent(t *testing.T, r *bufio.Reader) (uint64, progress.Event) {
	t.Helper()

	var id uint64
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("Reading event stream: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "id: "):
			id, _ = strconv.ParseUint(strings.TrimPrefix(line, "id: "), 10, 64)
		case strings.HasPrefix(line, "data: "):
			var evt progress.Event
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &evt); err != nil {
				t.Fatalf("Decoding event %q: %v", line, err)
			}
			return id, evt
		}
	}
}

func TestJobEventsStream(t *testing.T) {
	srv, st, _, hub := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	job := seedJob(t, st, schemas.JobStateAnalyzingScript)

	resp, err := http.Get(ts.URL + "/api/v1/jobs/" + job.JobID + "/events")
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Expected text/event-stream, got %s", ct)
	}

	reader := bufio.NewReader(resp.Body)

	// The handshake comment is written after the subscription is live,
	// so events published past this point cannot be missed.
	line, err := reader.ReadString('\n')
	if err != nil || !strings.HasPrefix(line, ":") {
		t.Fatalf("Expected handshake comment, got %q (%v)", line, err)
	}

	hub.Publish(job.JobID, schemas.JobStateAnalyzingScript, "analyzing script", 5, nil, nil)
	hub.Publish(job.JobID, schemas.JobStateCompleted, "video ready", 100,
		map[string]any{"video_id": "v-1"}, nil)

	id, evt := readEvent(t, reader)
	if id != 1 || evt.SequenceNumber != 1 {
		t.Errorf("Expected first event with sequence 1, got id=%d seq=%d", id, evt.SequenceNumber)
	}
	if evt.Stage != schemas.JobStateAnalyzingScript || evt.Percentage != 5 {
		t.Errorf("Unexpected first event: %+v", evt)
	}

	id, evt = readEvent(t, reader)
	if id != 2 || evt.Stage != schemas.JobStateCompleted || evt.Percentage != 100 {
		t.Errorf("Unexpected terminal event: id=%d %+v", id, evt)
	}

	// The terminal event closes the subscription, which ends the stream.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, err := reader.ReadString('\n'); err != nil {
				return
			}
		}
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Error("Stream did not close after the terminal event")
	}
}

func TestJobEventsUnknownJob(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/nonexistent/events", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

func TestRequestIDPropagation(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("Expected a generated X-Request-ID header")
	}

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "upstream-id-7")
	w = httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	if got := w.Header().Get("X-Request-ID"); got != "upstream-id-7" {
		t.Errorf("Expected the caller's request ID to pass through, got %q", got)
	}
}

func TestCORSPreflight(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/jobs", nil)
	req.Header.Set("Origin", "https://studio.example.com")
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("Expected status 204, got %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://studio.example.com" {
		t.Errorf("Expected origin to be allowed by the wildcard list, got %q", got)
	}
}
