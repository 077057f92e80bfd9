package fhir

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openhealth/exchange/internal/resilience"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, zerolog.Nop(), WithHTTPClient(srv.Client()))
}

func bundleJSON(resources ...Resource) []byte {
	entries := make([]map[string]any, 0, len(resources))
	for _, r := range resources {
		entries = append(entries, map[string]any{"resource": r})
	}
	b, _ := json.Marshal(map[string]any{
		"resourceType": "Bundle",
		"total":        len(resources),
		"entry":        entries,
	})
	return b
}

// ===================== Search and CRUD =====================

func TestClientSearch(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/Observation" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("subject"); got != "Patient/42" {
			t.Errorf("subject = %q", got)
		}
		w.Write(bundleJSON(Resource{"resourceType": "Observation", "id": "obs-1"}))
	}))

	bundle, err := c.Search(context.Background(), "Observation", url.Values{"subject": {"Patient/42"}})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if bundle.Total != 1 || len(bundle.Entries) != 1 {
		t.Fatalf("bundle = %+v", bundle)
	}
	if bundle.Entries[0]["id"] != "obs-1" {
		t.Errorf("entry id = %v", bundle.Entries[0]["id"])
	}
}

func TestClientCreateAndUpdate(t *testing.T) {
	var methods []string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		methods = append(methods, r.Method+" "+r.URL.Path)
		if ct := r.Header.Get("Content-Type"); ct != "application/fhir+json" {
			t.Errorf("content type = %q", ct)
		}
		var res Resource
		_ = json.NewDecoder(r.Body).Decode(&res)
		res["id"] = "srv-1"
		b, _ := json.Marshal(res)
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusCreated)
		}
		w.Write(b)
	}))

	ctx := context.Background()
	created, err := c.Create(ctx, "Observation", Resource{"resourceType": "Observation"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created["id"] != "srv-1" {
		t.Errorf("created id = %v", created["id"])
	}

	if _, err := c.Update(ctx, "Observation", "srv-1", Resource{"resourceType": "Observation"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	want := []string{"POST /Observation", "PUT /Observation/srv-1"}
	for i, w := range want {
		if methods[i] != w {
			t.Errorf("call %d = %q, want %q", i, methods[i], w)
		}
	}
}

func TestClientDelete(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete || r.URL.Path != "/Observation/x" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	if err := c.Delete(context.Background(), "Observation", "x"); err != nil {
		t.Fatalf("delete: %v", err)
	}
}

// ===================== Identifier lookup and upsert =====================

func TestFindResourceByIdentifier(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("identifier"); got != "sys|val" {
			t.Errorf("identifier = %q", got)
		}
		w.Write(bundleJSON(Resource{"id": "found-1"}))
	}))

	res, found, err := c.FindResourceByIdentifier(context.Background(), "Observation", "sys", "val")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if !found || res["id"] != "found-1" {
		t.Errorf("found=%v res=%v", found, res)
	}
}

func TestUpsertCreatesWhenMissing(t *testing.T) {
	var methods []string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		methods = append(methods, r.Method)
		if r.Method == http.MethodGet {
			w.Write(bundleJSON())
			return
		}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"resourceType":"Observation","id":"new-1"}`))
	}))

	res, created, err := c.UpsertResource(context.Background(), "Observation", "sys", "val",
		Resource{"resourceType": "Observation"})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if !created {
		t.Error("expected create path")
	}
	if res["id"] != "new-1" {
		t.Errorf("id = %v", res["id"])
	}
	if len(methods) != 2 || methods[1] != http.MethodPost {
		t.Errorf("methods = %v, want search then POST", methods)
	}
}

func TestUpsertUpdatesWhenPresent(t *testing.T) {
	var methods []string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		methods = append(methods, r.Method+" "+r.URL.Path)
		if r.Method == http.MethodGet {
			w.Write(bundleJSON(Resource{"id": "existing-7"}))
			return
		}
		w.Write([]byte(`{"resourceType":"Observation","id":"existing-7"}`))
	}))

	_, created, err := c.UpsertResource(context.Background(), "Observation", "sys", "val",
		Resource{"resourceType": "Observation"})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if created {
		t.Error("expected update path")
	}
	if methods[1] != "PUT /Observation/existing-7" {
		t.Errorf("second call = %q", methods[1])
	}
}

func TestUpsertIsIdempotent(t *testing.T) {
	store := map[string]Resource{}
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			ident := r.URL.Query().Get("identifier")
			if res, ok := store[ident]; ok {
				w.Write(bundleJSON(res))
			} else {
				w.Write(bundleJSON())
			}
		case http.MethodPost:
			var res Resource
			_ = json.NewDecoder(r.Body).Decode(&res)
			res["id"] = "only-1"
			store["sys|val"] = res
			w.WriteHeader(http.StatusCreated)
			b, _ := json.Marshal(res)
			w.Write(b)
		case http.MethodPut:
			var res Resource
			_ = json.NewDecoder(r.Body).Decode(&res)
			store["sys|val"] = res
			b, _ := json.Marshal(res)
			w.Write(b)
		}
	}))

	ctx := context.Background()
	_, created1, _ := c.UpsertResource(ctx, "Observation", "sys", "val", Resource{"resourceType": "Observation"})
	_, created2, _ := c.UpsertResource(ctx, "Observation", "sys", "val", Resource{"resourceType": "Observation"})
	if !created1 || created2 {
		t.Errorf("created1=%v created2=%v, want create then update", created1, created2)
	}
	if len(store) != 1 {
		t.Errorf("store holds %d resources, want 1", len(store))
	}
}

// ===================== Error classification =====================

func TestClientAuthErrorNotRetried(t *testing.T) {
	calls := 0
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
	}))

	_, err := c.Get(context.Background(), "Observation", "x")
	if err == nil {
		t.Fatal("expected error")
	}
	if cat := resilience.Classify(err); cat != resilience.CategoryAuth {
		t.Errorf("category = %s, want auth", cat)
	}
	if calls != 1 {
		t.Errorf("auth failures must not be retried, saw %d calls", calls)
	}
}

func TestClientRetriesServerErrors(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"resourceType":"Observation","id":"x"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, zerolog.Nop(),
		WithHTTPClient(srv.Client()),
		WithRetryer(newFastRetryer()))
	res, err := c.Get(context.Background(), "Observation", "x")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if res["id"] != "x" {
		t.Errorf("id = %v", res["id"])
	}
	if calls != 3 {
		t.Errorf("expected 2 retries then success, saw %d calls", calls)
	}
}

func newFastRetryer() *resilience.Retryer {
	return resilience.NewRetryer(resilience.DefaultRetryConfig(), zerolog.Nop(),
		resilience.WithRetrySleep(func(ctx context.Context, d time.Duration) error { return nil }))
}
