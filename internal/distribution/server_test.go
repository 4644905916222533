package distribution

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/zsiec/loopcast/internal/certs"
	"github.com/zsiec/loopcast/internal/moq"
)

type fakeProvider struct{ snap StreamSnapshot }

func (f fakeProvider) StreamSnapshot() StreamSnapshot { return f.snap }

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cert, err := certs.Generate(24 * time.Hour)
	if err != nil {
		t.Fatalf("certs.Generate: %v", err)
	}
	srv, err := NewServer(ServerConfig{
		MoQAddr: "127.0.0.1:0",
		Cert:    cert,
		Streams: func() []StreamInfo {
			return []StreamInfo{
				{Key: "alpha", Viewers: 2, AccessUnits: 120},
				{Key: "beta", AccessUnits: 3},
			}
		},
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return srv
}

func serve(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandleListStreams(t *testing.T) {
	t.Parallel()

	rec := serve(t, newTestServer(t).APIHandler(), "GET", "/api/streams", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var streams []StreamInfo
	if err := json.NewDecoder(rec.Body).Decode(&streams); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(streams) != 2 || streams[0].Key != "alpha" || streams[0].AccessUnits != 120 {
		t.Fatalf("streams = %+v", streams)
	}
}

func TestHandleListStreamsEmpty(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	srv.config.Streams = nil

	rec := serve(t, srv.APIHandler(), "GET", "/api/streams", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if body := strings.TrimSpace(rec.Body.String()); body != "[]" {
		t.Fatalf("body = %q, want %q", body, "[]")
	}
}

func TestHandleListStreamsFromRegistry(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	srv.config.Streams = nil
	srv.RegisterStream("beta")
	srv.RegisterStream("alpha").AddViewer(newMockViewer("v1"))

	rec := serve(t, srv.APIHandler(), "GET", "/api/streams", "")
	var streams []StreamInfo
	if err := json.NewDecoder(rec.Body).Decode(&streams); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(streams) != 2 || streams[0].Key != "alpha" || streams[0].Viewers != 1 || streams[1].Key != "beta" {
		t.Fatalf("streams = %+v", streams)
	}
}

func TestHandleStream(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	srv.RegisterStream("alpha")
	srv.SetPipeline("alpha", fakeProvider{StreamSnapshot{
		Codec:    "hev1.1.6.L93.B0",
		Playback: PlaybackStats{FramesPerLoop: 120, IntervalMs: 50, Loops: 3},
	}})
	srv.RegisterStream("nostats")
	h := srv.APIHandler()

	rec := serve(t, h, "GET", "/api/streams/alpha", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var snap StreamSnapshot
	if err := json.NewDecoder(rec.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.Codec != "hev1.1.6.L93.B0" || snap.Playback.FramesPerLoop != 120 || snap.Playback.Loops != 3 {
		t.Errorf("snapshot = %+v", snap)
	}

	for _, key := range []string{"missing", "nostats"} {
		if rec := serve(t, h, "GET", "/api/streams/"+key, ""); rec.Code != http.StatusNotFound {
			t.Errorf("%s: status = %d, want %d", key, rec.Code, http.StatusNotFound)
		}
	}
}

func TestHandleCertHash(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	rec := serve(t, srv.APIHandler(), "GET", "/api/cert-hash", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var resp certHashResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Hash != srv.config.Cert.FingerprintBase64() {
		t.Errorf("hash = %q", resp.Hash)
	}
	if resp.ALPN != moq.ALPN {
		t.Errorf("alpn = %q, want %q", resp.ALPN, moq.ALPN)
	}
	if _, err := certs.ParseFingerprint(resp.Hash); err != nil {
		t.Errorf("hash does not parse back: %v", err)
	}
}

func TestHandleSRTPush(t *testing.T) {
	t.Parallel()

	var pushed []SRTPushInfo
	stopped := map[string]bool{}

	srv := newTestServer(t)
	srv.RegisterStream("alpha")
	srv.config.SRTPush = func(address, key, id string) error {
		if key == "busy" {
			return errors.New("already pushing")
		}
		pushed = append(pushed, SRTPushInfo{Address: address, StreamKey: key, StreamID: id})
		return nil
	}
	srv.config.SRTStop = func(key string) error {
		if key != "alpha" {
			return errors.New("no push for " + key)
		}
		stopped[key] = true
		return nil
	}
	srv.config.SRTList = func() []SRTPushInfo { return pushed }
	srv.RegisterStream("busy")
	h := srv.APIHandler()

	tests := []struct {
		name   string
		method string
		target string
		body   string
		want   int
	}{
		{"create", "POST", "/api/srt-push", `{"address":"10.0.0.1:9000","streamKey":"alpha","streamId":"live/alpha"}`, http.StatusCreated},
		{"missing fields", "POST", "/api/srt-push", `{"address":""}`, http.StatusBadRequest},
		{"bad json", "POST", "/api/srt-push", `{`, http.StatusBadRequest},
		{"unknown stream", "POST", "/api/srt-push", `{"address":"10.0.0.1:9000","streamKey":"nope"}`, http.StatusNotFound},
		{"conflict", "POST", "/api/srt-push", `{"address":"10.0.0.1:9000","streamKey":"busy"}`, http.StatusConflict},
		{"stop missing key", "DELETE", "/api/srt-push", "", http.StatusBadRequest},
		{"stop unknown", "DELETE", "/api/srt-push?streamKey=beta", "", http.StatusNotFound},
		{"stop", "DELETE", "/api/srt-push?streamKey=alpha", "", http.StatusOK},
		{"options", "OPTIONS", "/api/srt-push", "", http.StatusNoContent},
	}

	// Cases share state, so they run in order.
	for _, tt := range tests {
		rec := serve(t, h, tt.method, tt.target, tt.body)
		if rec.Code != tt.want {
			t.Errorf("%s: status = %d, want %d (%s)", tt.name, rec.Code, tt.want, rec.Body.String())
		}
	}

	if len(pushed) != 1 || pushed[0].StreamID != "live/alpha" {
		t.Errorf("pushed = %+v", pushed)
	}
	if !stopped["alpha"] {
		t.Error("stop not forwarded")
	}

	rec := serve(t, h, "GET", "/api/srt-push", "")
	var list []SRTPushInfo
	if err := json.NewDecoder(rec.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list) != 1 || list[0].Address != "10.0.0.1:9000" {
		t.Errorf("list = %+v", list)
	}
}

func TestHandleSRTPushNotConfigured(t *testing.T) {
	t.Parallel()

	h := newTestServer(t).APIHandler()

	rec := serve(t, h, "POST", "/api/srt-push", `{"address":"10.0.0.1:9000","streamKey":"alpha"}`)
	if rec.Code != http.StatusNotImplemented {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotImplemented)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("Content-Type = %q, want application/json", ct)
	}
	var errResp map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&errResp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	if errResp["error"] == "" {
		t.Fatal("expected non-empty error field")
	}

	rec = serve(t, h, "GET", "/api/srt-push", "")
	if body := strings.TrimSpace(rec.Body.String()); body != "[]" {
		t.Errorf("list body = %q, want []", body)
	}
}

func TestCORSHeaders(t *testing.T) {
	t.Parallel()

	rec := serve(t, newTestServer(t).APIHandler(), "GET", "/api/streams", "")
	if cors := rec.Header().Get("Access-Control-Allow-Origin"); cors != "*" {
		t.Fatalf("CORS header = %q, want %q", cors, "*")
	}
}

func TestServerStreamRegistry(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	r1 := srv.RegisterStream("b")
	if r2 := srv.RegisterStream("b"); r2 != r1 {
		t.Error("RegisterStream returned a new relay for an existing key")
	}
	srv.RegisterStream("a")

	keys := srv.StreamKeys()
	if len(keys) != 2 || keys[0] != "a" || keys[1] != "b" {
		t.Errorf("StreamKeys = %v", keys)
	}

	srv.SetPipeline("missing", fakeProvider{})
	if srv.GetPipeline("missing") != nil {
		t.Error("pipeline stored for unregistered stream")
	}

	srv.UnregisterStream("b")
	if srv.GetRelay("b") != nil {
		t.Error("relay survives UnregisterStream")
	}
	select {
	case <-r1.Done():
	default:
		t.Error("relay not closed by UnregisterStream")
	}
	srv.UnregisterStream("b")
}

func TestNewServerValidation(t *testing.T) {
	t.Parallel()

	cert, err := certs.Generate(24 * time.Hour)
	if err != nil {
		t.Fatalf("certs.Generate: %v", err)
	}

	tests := []struct {
		name    string
		cfg     ServerConfig
		wantErr bool
	}{
		{"missing cert", ServerConfig{MoQAddr: ":4443"}, true},
		{"missing addr", ServerConfig{Cert: cert}, true},
		{"valid", ServerConfig{MoQAddr: ":4443", Cert: cert}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv, err := NewServer(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewServer error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && srv.MoQAddr() != nil {
				t.Error("MoQAddr set before Listen")
			}
		})
	}
}
