package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hurttlocker/adage/internal/activity"
	"github.com/hurttlocker/adage/internal/heatmap"
	"github.com/hurttlocker/adage/internal/rest"
	"github.com/hurttlocker/adage/internal/sample"
	"github.com/hurttlocker/adage/internal/store"
)

type fixture struct {
	ts      *httptest.Server
	srv     *Server
	model   int64
	samples []int64 // the last one has no activity
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.NewStore(store.StoreConfig{DBPath: ":memory:"})
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	m, _, err := st.GetOrCreateModel(ctx, "model")
	if err != nil {
		t.Fatal(err)
	}
	sigs, err := st.AddSignatures(ctx, m.ID, []string{"n1", "n2", "n3"})
	if err != nil {
		t.Fatal(err)
	}
	rows := [][]float64{{9, 0, 0}, {0, 0, 9}, {8, 1, 0}, {0, 1, 8}, nil}
	var ids []int64
	for i, values := range rows {
		smp := &sample.Sample{Name: "s", MLDataSource: "GSM" + string(rune('A'+i))}
		id, err := st.AddSample(ctx, smp)
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
		var recs []activity.Record
		for j, v := range values {
			recs = append(recs, activity.Record{Sample: id, Signature: sigs[j], Value: v})
		}
		if err := st.AddActivityBatch(ctx, recs); err != nil {
			t.Fatal(err)
		}
	}

	srv, err := New(Config{Store: st, FetchTimeout: 5 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &fixture{ts: ts, srv: srv, model: m.ID, samples: ids}
}

func (f *fixture) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, f.ts.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("%s %s: decoding response: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func TestResourceAPIServesRESTClient(t *testing.T) {
	f := newFixture(t)
	client, err := rest.NewClient(f.ts.URL+"/api/v1", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	recs, err := client.FetchActivity(ctx, f.model, f.samples[0])
	if err != nil {
		t.Fatalf("FetchActivity: %v", err)
	}
	if len(recs) != 3 || recs[0].Value != 9 {
		t.Fatalf("unexpected records %+v", recs)
	}
	empty, err := client.FetchActivity(ctx, f.model, f.samples[4])
	if err != nil || len(empty) != 0 {
		t.Fatalf("expected no activity, got %v %v", empty, err)
	}

	samples, err := client.FetchSamples(ctx, f.samples[:2])
	if err != nil || len(samples) != 2 {
		t.Fatalf("FetchSamples = %v, %v", samples, err)
	}
	if samples[0].MLDataSource != "GSMA" {
		t.Fatalf("unexpected sample %+v", samples[0])
	}
}

func TestResourceAPIValidation(t *testing.T) {
	f := newFixture(t)
	for _, path := range []string{
		"/api/v1/activity/",
		"/api/v1/activity/?mlmodel=x",
		"/api/v1/activity/?mlmodel=1&order_by=value",
		"/api/v1/signature/",
		"/api/v1/sample/?id__in=1,b",
	} {
		if code := f.do(t, http.MethodGet, path, nil, nil); code != http.StatusBadRequest {
			t.Errorf("GET %s = %d, want 400", path, code)
		}
	}

	var models rest.ListResponse[store.Model]
	if code := f.do(t, http.MethodGet, "/api/v1/mlmodel/", nil, &models); code != http.StatusOK || len(models.Objects) != 1 {
		t.Fatalf("mlmodel list = %d %+v", code, models)
	}
	var sigs rest.ListResponse[store.Signature]
	f.do(t, http.MethodGet, "/api/v1/signature/?mlmodel=1", nil, &sigs)
	if sigs.Meta.TotalCount != 3 {
		t.Fatalf("expected 3 signatures, got %+v", sigs)
	}
}

func TestHeatmapSessionLifecycle(t *testing.T) {
	f := newFixture(t)

	var created heatmapResponse
	code := f.do(t, http.MethodPost, "/api/heatmaps", createRequest{MLModel: f.model, Samples: f.samples}, &created)
	if code != http.StatusCreated {
		t.Fatalf("create = %d", code)
	}
	if len(created.State.Samples) != 4 || len(created.State.MissingActivity) != 1 || created.State.MissingActivity[0] != f.samples[4] {
		t.Fatalf("unexpected state %+v", created.State)
	}
	if len(created.Outcomes) != 5 || created.Outcomes[4].Status != activity.NoData {
		t.Fatalf("unexpected outcomes %+v", created.Outcomes)
	}
	base := "/api/heatmaps/" + created.ID

	var bySample struct {
		Samples []heatmap.SampleObject `json:"samples"`
	}
	f.do(t, http.MethodGet, base+"/samples", nil, &bySample)
	if len(bySample.Samples) != 4 || bySample.Samples[0].MLDataSource != "GSMA" || len(bySample.Samples[0].Activity) != 3 {
		t.Fatalf("unexpected sample view %+v", bySample.Samples)
	}
	var bySignature struct {
		Signatures []heatmap.SignatureObject `json:"signatures"`
	}
	f.do(t, http.MethodGet, base+"/signatures", nil, &bySignature)
	if len(bySignature.Signatures) != 3 || len(bySignature.Signatures[0].Activity) != 4 {
		t.Fatalf("unexpected signature view %+v", bySignature.Signatures)
	}

	if code := f.do(t, http.MethodPost, base+"/cluster?axis=samples", nil, nil); code != http.StatusAccepted {
		t.Fatalf("cluster = %d", code)
	}
	var got heatmapResponse
	deadline := time.Now().Add(5 * time.Second)
	for {
		f.do(t, http.MethodGet, base, nil, &got)
		if len(got.Clustering) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("clustering did not finish")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(got.ClusterErrs) != 0 {
		t.Fatalf("clustering failed: %v", got.ClusterErrs)
	}
	if len(got.State.Samples) != 4 {
		t.Fatalf("clustered samples = %v", got.State.Samples)
	}

	if code := f.do(t, http.MethodPost, base+"/cluster?axis=rows", nil, nil); code != http.StatusBadRequest {
		t.Fatalf("bad axis = %d", code)
	}

	var list struct {
		Heatmaps []string `json:"heatmaps"`
	}
	f.do(t, http.MethodGet, "/api/heatmaps", nil, &list)
	if len(list.Heatmaps) != 1 || list.Heatmaps[0] != created.ID {
		t.Fatalf("unexpected list %v", list.Heatmaps)
	}

	if code := f.do(t, http.MethodDelete, base, nil, nil); code != http.StatusNoContent {
		t.Fatalf("delete = %d", code)
	}
	if code := f.do(t, http.MethodGet, base, nil, nil); code != http.StatusNotFound {
		t.Fatalf("get after delete = %d", code)
	}
}

func TestCreateHeatmapValidation(t *testing.T) {
	f := newFixture(t)
	if code := f.do(t, http.MethodPost, "/api/heatmaps", map[string]any{"samples": []int64{1}}, nil); code != http.StatusBadRequest {
		t.Fatalf("missing mlmodel = %d", code)
	}
	if code := f.do(t, http.MethodPost, "/api/heatmaps", map[string]any{"mlmodel": 1, "bogus": true}, nil); code != http.StatusBadRequest {
		t.Fatalf("unknown field = %d", code)
	}
}

func TestClusterBeforeDataIsConflict(t *testing.T) {
	f := newFixture(t)
	sess := f.srv.Sessions().Create()
	sess.Heatmap.Init(f.model, f.samples[:2])

	code := f.do(t, http.MethodPost, "/api/heatmaps/"+sess.ID+"/cluster?axis=samples", nil, nil)
	if code != http.StatusConflict {
		t.Fatalf("cluster before rebuild = %d, want 409", code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPost, "/api/heatmaps", createRequest{MLModel: f.model, Samples: f.samples[:2]}, nil)

	resp, err := http.Get(f.ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	for _, name := range []string{"adage_activity_cache_misses_total", "adage_activity_fetches_total"} {
		if !strings.Contains(string(body), name) {
			t.Errorf("metrics output lacks %s", name)
		}
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS header")
	}
}

func TestIdleSessionsExpire(t *testing.T) {
	sessions := NewSessions(SessionConfig{IdleTTL: time.Minute})
	idle := sessions.Create()
	busy := sessions.Create()

	later := time.Now().UTC().Add(2 * time.Minute)
	busy.touch(later)
	if n := sessions.Expire(later); n != 1 {
		t.Fatalf("Expire dropped %d sessions, want 1", n)
	}
	if _, ok := sessions.Get(idle.ID); ok {
		t.Fatal("idle session should be gone")
	}
	if _, ok := sessions.Get(busy.ID); !ok {
		t.Fatal("recently used session should survive")
	}
}

func TestGetKeepsSessionAlive(t *testing.T) {
	f := newFixture(t)
	var created heatmapResponse
	f.do(t, http.MethodPost, "/api/heatmaps", createRequest{MLModel: f.model, Samples: f.samples[:1]}, &created)

	if n := f.srv.Sessions().Expire(time.Now().UTC().Add(DefaultSessionTTL / 2)); n != 0 {
		t.Fatalf("fresh session expired (%d)", n)
	}
	if n := f.srv.Sessions().Expire(time.Now().UTC().Add(2 * DefaultSessionTTL)); n != 1 {
		t.Fatalf("Expire dropped %d sessions, want 1", n)
	}
	if code := f.do(t, http.MethodGet, "/api/heatmaps/"+created.ID, nil, nil); code != http.StatusNotFound {
		t.Fatalf("get after expiry = %d, want 404", code)
	}
}

func TestNewRequiresASource(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error without store or source")
	}
}
