package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"buscart/internal/config"
	"buscart/internal/db"
	"buscart/internal/domain"
	"buscart/internal/engine"
	"buscart/internal/engine/auth"
	"buscart/internal/events"
	"buscart/internal/live"
	"buscart/internal/migrate"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	client *http.Client
	broker *live.MemoryBroker
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	return newTestServerWithAuth(t, AuthConfig{JWTSecret: testSecret, AllowLegacyActorHeader: true})
}

func newTestServerWithAuth(t *testing.T, authCfg AuthConfig) (*testServer, func()) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn, db.SQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	e := engine.New(conn, db.SQLite, cfg)
	ctx := context.Background()
	now := domain.FormatTime(time.Now())
	if err := e.Repo.UpsertCategory(ctx, nil, domain.Category{ID: "musica", Name: "Música"}, now); err != nil {
		t.Fatalf("seed category: %v", err)
	}
	for _, a := range []domain.Artist{
		{ID: "artist-1", CategoryID: "musica", City: "Bogotá", IsAvailable: true},
		{ID: "artist-2", CategoryID: "musica", City: "BOGOTA", IsAvailable: true},
	} {
		if err := e.Repo.UpsertArtist(ctx, nil, a, now); err != nil {
			t.Fatalf("seed artist: %v", err)
		}
	}

	broker := live.NewMemoryBroker()
	hub := live.NewHub(broker, time.Second)
	relay := &events.Relay{Repo: e.Repo, Interval: 10 * time.Millisecond, Sinks: []events.Sink{hub}}
	if err := relay.Start(ctx); err != nil {
		t.Fatalf("start relay: %v", err)
	}
	relayCtx, stopRelay := context.WithCancel(ctx)
	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		_ = relay.Run(relayCtx)
	}()

	handler, err := New(Config{
		Engine:   e,
		Hub:      hub,
		BasePath: "/v1",
		Auth:     authCfg,
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		broker: broker,
		close: func() {
			srv.Close()
			ln.Close()
			stopRelay()
			<-relayDone
			hub.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func bearer(t *testing.T, actorID string, role auth.Role) map[string]string {
	t.Helper()
	token, err := signDevToken(testSecret, actorID, role, time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v: %s", err, string(data))
	}
	return env.Error.Code
}

func futureDate() string {
	return time.Now().AddDate(0, 1, 0).Format(domain.DateLayout)
}

func createRequest(t *testing.T, srv *testServer, headers map[string]string) RequestResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/requests", map[string]any{
		"category_id": "musica",
		"city":        "Bogotá",
		"description": "Serenata de aniversario",
		"budget_min":  "100000",
		"budget_max":  "200000",
		"event_date":  futureDate(),
	}, headers)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create request status %d: %s", res.StatusCode, string(data))
	}
	var created RequestResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal request: %v", err)
	}
	return created
}

func TestProposalAcceptFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	owner := bearer(t, "client-1", auth.RoleClient)
	artist1 := bearer(t, "artist-1", auth.RoleArtist)
	artist2 := bearer(t, "artist-2", auth.RoleArtist)

	req := createRequest(t, srv, owner)
	if req.Status != "active" || len(req.EligibleArtists) != 2 {
		t.Fatalf("unexpected request: %+v", req)
	}

	submitURL := srv.URL + "/v1/requests/" + req.ID + "/proposals"
	res, data := doJSON(t, client, http.MethodPost, submitURL, map[string]any{"price": "150000", "message": "Disponible"}, artist1)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}
	var p1 ProposalResponse
	if err := json.Unmarshal(data, &p1); err != nil {
		t.Fatalf("unmarshal proposal: %v", err)
	}
	if p1.Status != "pending" || p1.Price != "150000" {
		t.Fatalf("unexpected proposal: %+v", p1)
	}
	res, data = doJSON(t, client, http.MethodPost, submitURL, map[string]any{"price": "170000"}, artist2)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("second submit status %d: %s", res.StatusCode, string(data))
	}
	var p2 ProposalResponse
	_ = json.Unmarshal(data, &p2)

	res, data = doJSON(t, client, http.MethodGet, submitURL, nil, owner)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}
	var list proposalList
	if err := json.Unmarshal(data, &list); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	if len(list.Items) != 2 {
		t.Fatalf("expected 2 proposals, got %d", len(list.Items))
	}

	respondURL := srv.URL + "/v1/requests/" + req.ID + "/proposals/" + p1.ID + "/respond"
	res, data = doJSON(t, client, http.MethodPost, respondURL, map[string]any{"action": "accept"}, owner)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("accept status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/proposals/"+p2.ID, nil, artist2)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get sibling status %d: %s", res.StatusCode, string(data))
	}
	var sibling ProposalResponse
	_ = json.Unmarshal(data, &sibling)
	if sibling.Status != "rejected" {
		t.Fatalf("expected sibling rejected, got %s", sibling.Status)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/requests/"+req.ID, nil, owner)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get request status %d: %s", res.StatusCode, string(data))
	}
	var fulfilled RequestResponse
	_ = json.Unmarshal(data, &fulfilled)
	if fulfilled.Status != "fulfilled" || fulfilled.AcceptedProposalID != p1.ID || fulfilled.ResponseCount != 2 {
		t.Fatalf("unexpected fulfilled request: %+v", fulfilled)
	}

	res, data = doJSON(t, client, http.MethodPost, respondURL, map[string]any{"action": "accept"}, owner)
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "request_already_fulfilled" {
		t.Fatalf("expected request_already_fulfilled, got %d: %s", res.StatusCode, string(data))
	}
}

func TestErrorMapping(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	owner := bearer(t, "client-1", auth.RoleClient)
	artist := bearer(t, "artist-1", auth.RoleArtist)
	req := createRequest(t, srv, owner)
	submitURL := srv.URL + "/v1/requests/" + req.ID + "/proposals"

	tests := []struct {
		name    string
		method  string
		url     string
		body    any
		headers map[string]string
		status  int
		code    string
	}{
		{"no credentials", http.MethodGet, srv.URL + "/v1/requests", nil, nil, http.StatusUnauthorized, "unauthorized"},
		{"bad token", http.MethodGet, srv.URL + "/v1/requests", nil, map[string]string{"Authorization": "Bearer nope"}, http.StatusUnauthorized, "invalid_credentials"},
		{"client cannot submit", http.MethodPost, submitURL, map[string]any{"price": "10"}, owner, http.StatusForbidden, "forbidden"},
		{"zero price", http.MethodPost, submitURL, map[string]any{"price": "0"}, artist, http.StatusUnprocessableEntity, "invalid_price"},
		{"garbage price", http.MethodPost, submitURL, map[string]any{"price": "abc"}, artist, http.StatusUnprocessableEntity, "invalid_price"},
		{"unknown request", http.MethodPost, srv.URL + "/v1/requests/missing/proposals", map[string]any{"price": "10"}, artist, http.StatusNotFound, "not_found"},
		{"bad category", http.MethodPost, srv.URL + "/v1/requests", map[string]any{"category_id": "nope", "city": "Bogotá", "event_date": futureDate()}, owner, http.StatusBadRequest, "validation_failed"},
		{"bad budget", http.MethodPost, srv.URL + "/v1/requests", map[string]any{"category_id": "musica", "city": "Bogotá", "event_date": futureDate(), "budget_min": "x"}, owner, http.StatusBadRequest, "validation_failed"},
		{"bad action", http.MethodPost, submitURL + "/x/respond", map[string]any{"action": "maybe"}, owner, http.StatusBadRequest, "validation_failed"},
		{"bad cursor", http.MethodGet, srv.URL + "/v1/requests?cursor=nope", nil, owner, http.StatusBadRequest, "bad_request"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, data := doJSON(t, client, tt.method, tt.url, tt.body, tt.headers)
			if res.StatusCode != tt.status {
				t.Fatalf("status %d, want %d: %s", res.StatusCode, tt.status, string(data))
			}
			if got := errorCode(t, data); got != tt.code {
				t.Fatalf("code %q, want %q", got, tt.code)
			}
		})
	}

	res, data := doJSON(t, client, http.MethodPost, submitURL, map[string]any{"price": "150000"}, artist)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, submitURL, map[string]any{"price": "150000"}, artist)
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "duplicate_proposal" {
		t.Fatalf("expected duplicate_proposal, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/requests/"+req.ID+"/cancel", nil, owner)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("cancel status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, submitURL, map[string]any{"price": "1"}, bearer(t, "artist-2", auth.RoleArtist))
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "request_closed" {
		t.Fatalf("expected request_closed, got %d: %s", res.StatusCode, string(data))
	}
}

func TestListRequestsPaginatesAndFilters(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	owner := bearer(t, "client-1", auth.RoleClient)
	other := bearer(t, "client-2", auth.RoleClient)
	for i := 0; i < 3; i++ {
		createRequest(t, srv, owner)
	}
	createRequest(t, srv, other)

	var seen []string
	cursor := ""
	for {
		url := srv.URL + "/v1/requests?mine=true&limit=2"
		if cursor != "" {
			url += "&cursor=" + cursor
		}
		res, data := doJSON(t, client, http.MethodGet, url, nil, owner)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("list status %d: %s", res.StatusCode, string(data))
		}
		var page paginatedRequests
		if err := json.Unmarshal(data, &page); err != nil {
			t.Fatalf("unmarshal page: %v", err)
		}
		for _, item := range page.Items {
			if item.ClientID != "client-1" {
				t.Fatalf("mine filter leaked %s", item.ClientID)
			}
			seen = append(seen, item.ID)
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	if len(seen) != 3 {
		t.Fatalf("expected 3 own requests, got %d", len(seen))
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/requests", nil, bearer(t, "artist-1", auth.RoleArtist))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("artist list status %d: %s", res.StatusCode, string(data))
	}
	var page paginatedRequests
	_ = json.Unmarshal(data, &page)
	if len(page.Items) != 4 {
		t.Fatalf("artist should see all 4 distributed requests, got %d", len(page.Items))
	}
}

func TestMeAndLegacyHeader(t *testing.T) {
	srv, cleanup := newTestServerWithAuth(t, AuthConfig{JWTSecret: testSecret, AllowLegacyActorHeader: true, DevLogin: true})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/auth/dev/login", map[string]any{"actor_id": "client-9", "role": "client"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	_ = json.Unmarshal(data, &login)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"Authorization": "Bearer " + login.Token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, string(data))
	}
	var who WhoAmIResponse
	_ = json.Unmarshal(data, &who)
	if who.ActorID != "client-9" || who.Role != "client" || who.Source != "jwt" {
		t.Fatalf("unexpected principal: %+v", who)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"X-Actor-Id": "artist-1", "X-Actor-Role": "artist"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("legacy me status %d: %s", res.StatusCode, string(data))
	}
	_ = json.Unmarshal(data, &who)
	if who.Source != "legacy_header" || who.Role != "artist" {
		t.Fatalf("unexpected legacy principal: %+v", who)
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}
	if res.Header.Get(headerRequestID) == "" {
		t.Fatalf("missing %s header", headerRequestID)
	}
}

func TestDevLoginDisabledByDefault(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	login := map[string]any{"actor_id": "client-1", "role": "client"}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/auth/dev/login", login, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous dev login status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/auth/dev/login", login, bearer(t, "artist-1", auth.RoleArtist))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("dev login should not be routed, status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi status %d", res.StatusCode)
	}
	if strings.Contains(string(data), "/auth/dev/login") {
		t.Fatalf("openapi document lists the disabled dev login route")
	}
}

func TestOpenAPIServedConcurrently(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	const readers = 8
	bodies := make([]string, readers)
	var wg sync.WaitGroup
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := srv.Client().Get(srv.URL + "/v1/openapi.json")
			if err != nil {
				t.Errorf("get openapi: %v", err)
				return
			}
			defer res.Body.Close()
			b, _ := io.ReadAll(res.Body)
			bodies[i] = string(b)
		}(i)
	}
	wg.Wait()
	for i := 1; i < readers; i++ {
		if bodies[i] == "" || bodies[i] != bodies[0] {
			t.Fatalf("reader %d got a different document", i)
		}
	}
	if !strings.Contains(bodies[0], "bearerAuth") {
		t.Fatalf("security scheme missing from document")
	}
}

type sseEvent struct {
	Name string
	Data string
}

func readEvents(t *testing.T, body io.Reader, out chan<- sseEvent) {
	t.Helper()
	scanner := bufio.NewScanner(body)
	var cur sseEvent
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if cur.Data != "" {
				out <- cur
			}
			cur = sseEvent{}
		case strings.HasPrefix(line, "event:"):
			cur.Name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			cur.Data += strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}
	close(out)
}

func nextEvent(t *testing.T, ch <-chan sseEvent) sseEvent {
	t.Helper()
	select {
	case evt, ok := <-ch:
		if !ok {
			t.Fatalf("event stream closed")
		}
		return evt
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for event")
	}
	return sseEvent{}
}

func TestStreamDeliversLiveUpdates(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	owner := bearer(t, "client-1", auth.RoleClient)
	artist := bearer(t, "artist-1", auth.RoleArtist)
	req := createRequest(t, srv, owner)

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/requests/"+req.ID+"/events", nil, bearer(t, "client-2", auth.RoleClient))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("stranger stream status %d: %s", res.StatusCode, string(data))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	streamReq, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/requests/"+req.ID+"/events", nil)
	if err != nil {
		t.Fatalf("new stream request: %v", err)
	}
	for k, v := range owner {
		streamReq.Header.Set(k, v)
	}
	streamRes, err := client.Do(streamReq)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer streamRes.Body.Close()
	if streamRes.StatusCode != http.StatusOK {
		t.Fatalf("stream status %d", streamRes.StatusCode)
	}
	evts := make(chan sseEvent, 8)
	go readEvents(t, streamRes.Body, evts)

	if evt := nextEvent(t, evts); evt.Name != "connected" {
		t.Fatalf("expected connected event, got %+v", evt)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/requests/"+req.ID+"/proposals", map[string]any{"price": "150000"}, artist)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}
	var p ProposalResponse
	_ = json.Unmarshal(data, &p)

	evt := nextEvent(t, evts)
	if evt.Name != live.TypeNewProposal {
		t.Fatalf("expected new_proposal, got %+v", evt)
	}
	var np NewProposalEvent
	if err := json.Unmarshal([]byte(evt.Data), &np); err != nil {
		t.Fatalf("unmarshal new_proposal: %v", err)
	}
	if np.Proposal.ID != p.ID || np.Proposal.Status != "pending" {
		t.Fatalf("unexpected new_proposal payload: %+v", np)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/requests/"+req.ID+"/proposals/"+p.ID+"/respond", map[string]any{"action": "negotiate"}, owner)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("negotiate status %d: %s", res.StatusCode, string(data))
	}
	evt = nextEvent(t, evts)
	var su StatusUpdateEvent
	if err := json.Unmarshal([]byte(evt.Data), &su); err != nil {
		t.Fatalf("unmarshal status_update: %v", err)
	}
	if evt.Name != live.TypeStatusUpdate || su.ProposalID != p.ID || su.Status != "negotiating" {
		t.Fatalf("unexpected status_update: %+v %+v", evt, su)
	}
}
